package voicemanager

import (
	"sync"

	"github.com/tempestgg/tempest/src/voice"
)

type GuildID = string

// VoiceManager tracks live voice connections keyed by guild. A guild has at
// most one voice connection at a time.
type VoiceManager struct {
	mu           sync.Mutex
	activeVoices map[GuildID]*voice.Voice
}

func NewVoiceManager() *VoiceManager {
	return &VoiceManager{
		activeVoices: make(map[GuildID]*voice.Voice),
	}
}

func (vm *VoiceManager) Add(guildID GuildID, v *voice.Voice) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.activeVoices[guildID]; ok {
		return
	}
	vm.activeVoices[guildID] = v
}

func (vm *VoiceManager) Delete(guildID GuildID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.activeVoices, guildID)
}

func (vm *VoiceManager) Get(guildID GuildID) *voice.Voice {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.activeVoices[guildID]
}

// CloseAll tears down every active voice connection. Used on coordinator
// shutdown.
func (vm *VoiceManager) CloseAll() {
	vm.mu.Lock()
	voices := make([]*voice.Voice, 0, len(vm.activeVoices))
	for guildID, v := range vm.activeVoices {
		voices = append(voices, v)
		delete(vm.activeVoices, guildID)
	}
	vm.mu.Unlock()
	for _, v := range voices {
		_ = v.Close()
	}
}
