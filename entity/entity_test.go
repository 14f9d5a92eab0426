package entity

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOriginStringRoundTrip(t *testing.T) {
	for _, origin := range []Origin{
		EmptyOrigin(),
		ServerOrigin(),
		ClientOrigin(42, "device-1"),
		ClientOrigin(-7, "d"),
	} {
		parsed, err := ParseOrigin(origin.String())
		assert.Equal(t, err, nil)
		assert.Equal(t, true, origin.Equal(parsed))
	}
}

func TestOriginParseSwappedFields(t *testing.T) {
	// field order is not fixed on the wire
	origin, err := ParseOrigin("device_id:d1|uid:9")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ClientOrigin(9, "d1").Equal(origin))
}

func TestOriginParseErrors(t *testing.T) {
	for _, value := range []string{"garbage", "uid:x|device_id:d", "uid:1,device_id:d"} {
		_, err := ParseOrigin(value)
		assert.NotEqual(t, err, nil)
	}
}

func TestOriginEqual(t *testing.T) {
	assert.Equal(t, true, ServerOrigin().Equal(ServerOrigin()))
	assert.Equal(t, false, ServerOrigin().Equal(EmptyOrigin()))
	assert.Equal(t, false, ClientOrigin(1, "a").Equal(ClientOrigin(1, "b")))
	assert.Equal(t, false, ClientOrigin(1, "a").Equal(ClientOrigin(2, "a")))
	assert.Equal(t, true, ClientOrigin(1, "a").Equal(ClientOrigin(1, "a")))
}

func TestCollabTypeMetadata(t *testing.T) {
	assert.Equal(t, true, CollabTypeDocument.AwarenessEnabled())
	assert.Equal(t, false, CollabTypeFolder.AwarenessEnabled())
	assert.Equal(t, "document", CollabTypeDocument.RequiredRoot())
	assert.Equal(t, "", CollabTypeUnknown.RequiredRoot())
	assert.Equal(t, "Folder", CollabTypeFolder.String())
}

func TestCollabObjectValidate(t *testing.T) {
	object := NewCollabObject(NewObjectId(), CollabTypeDocument, "w1")
	assert.Equal(t, object.Validate(), nil)

	missingWorkspace := NewCollabObject(NewObjectId(), CollabTypeDocument, "")
	assert.NotEqual(t, missingWorkspace.Validate(), nil)

	missingObject := NewCollabObject("", CollabTypeDocument, "w1")
	assert.NotEqual(t, missingObject.Validate(), nil)
}
