package voicemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tempestgg/tempest/src/voice"
)

func TestVoiceManager(t *testing.T) {
	vm := NewVoiceManager()
	assert.Nil(t, vm.Get("1"))

	first := voice.NewVoice(voice.VoiceArguments{ServerID: "1"})
	vm.Add("1", first)
	assert.Same(t, first, vm.Get("1"))

	// A second add for the same guild must not replace the live one.
	vm.Add("1", voice.NewVoice(voice.VoiceArguments{ServerID: "1"}))
	assert.Same(t, first, vm.Get("1"))

	vm.Delete("1")
	assert.Nil(t, vm.Get("1"))
}

func TestVoiceManagerCloseAll(t *testing.T) {
	vm := NewVoiceManager()
	vm.Add("1", voice.NewVoice(voice.VoiceArguments{ServerID: "1"}))
	vm.Add("2", voice.NewVoice(voice.VoiceArguments{ServerID: "2"}))
	vm.CloseAll()
	assert.Nil(t, vm.Get("1"))
	assert.Nil(t, vm.Get("2"))
}
