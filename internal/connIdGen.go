package internal

import (
	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/google/uuid"
)

// NewConnID returns a random uuid. It is not checked for uniqueness.
func NewConnID() vrelay.ConnID {
	return vrelay.ConnID(uuid.NewString())
}

// GenerateUniqueConnID retries until isUnique accepts the id.
func GenerateUniqueConnID(isUnique func(id vrelay.ConnID) bool) vrelay.ConnID {
	id := NewConnID()
	for !isUnique(id) {
		id = NewConnID()
	}
	return id
}
