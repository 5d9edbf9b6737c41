package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestARTStore_Put(t *testing.T) {
	art := NewARTStore()
	old1 := art.Put([]byte("key-1"), &Item{Value: []byte("v1")})
	assert.Nil(t, old1)

	old2 := art.Put([]byte("key-1"), &Item{Value: []byte("v2")})
	assert.NotNil(t, old2)
	assert.Equal(t, []byte("v1"), old2.Value)
}

func TestARTStore_Get(t *testing.T) {
	art := NewARTStore()
	assert.Nil(t, art.Get([]byte("missing")))

	art.Put([]byte("key-1"), &Item{Value: []byte("v1"), WriteTs: 7})
	item := art.Get([]byte("key-1"))
	assert.NotNil(t, item)
	assert.Equal(t, []byte("v1"), item.Value)
	assert.Equal(t, uint64(7), item.WriteTs)
}

func TestARTStore_Delete(t *testing.T) {
	art := NewARTStore()
	_, ok := art.Delete([]byte("missing"))
	assert.False(t, ok)

	art.Put([]byte("key-1"), &Item{Value: []byte("v1")})
	old, ok := art.Delete([]byte("key-1"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), old.Value)
	assert.Equal(t, 0, art.Size())
}

func TestARTStore_Fold(t *testing.T) {
	art := NewARTStore()
	art.Put([]byte("b"), &Item{Value: []byte("2")})
	art.Put([]byte("a"), &Item{Value: []byte("1")})
	art.Put([]byte("c"), &Item{Value: []byte("3")})

	var keys []string
	art.Fold(func(key []byte, item *Item) bool {
		keys = append(keys, string(key))
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
