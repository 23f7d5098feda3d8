package dashsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.Equal(t, a.LessThan(b), true)
	assert.Equal(t, b.LessThan(a), false)
}

func TestIdCodec(t *testing.T) {
	id := NewId()

	parsedId, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedId, id)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fromBytes, id)

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	var decodedId Id
	err = json.Unmarshal(idJson, &decodedId)
	assert.Equal(t, err, nil)
	assert.Equal(t, decodedId, id)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	_, err = IdFromBytes([]byte{0x01, 0x02})
	assert.NotEqual(t, err, nil)
}
