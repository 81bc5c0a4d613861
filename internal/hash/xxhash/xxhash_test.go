package xxhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHash(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("package main"))
	require.NoError(t, err)
	require.Len(t, got, 16)

	again, err := h.Hash([]byte("package main"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("package lib"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestHasherEmptyInput(t *testing.T) {
	t.Parallel()

	got, err := New().Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "ef46db3751d8e999", got)
}
