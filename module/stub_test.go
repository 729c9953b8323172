package module_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/lxload/module"
)

func TestLocate(t *testing.T) {
	testcases := []struct {
		name      string
		stub      bool
		bound     int
		base      int64
		container int64
	}{
		{name: "bare"},
		{name: "stub", stub: true, base: 0x40},
		{name: "bound", bound: 0x300, base: 0x300, container: 0x300},
		{name: "bound stub", stub: true, bound: 0x2a1, base: 0x2e1, container: 0x2a1},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			im := simpleImage(module.FormatLE)
			im.Stub = tc.stub
			im.Bound = tc.bound
			data := im.Bytes()

			base, container, err := module.Locate(bytes.NewReader(data))
			require.NoError(t, err)
			require.Equal(t, tc.base, base)
			require.Equal(t, tc.container, container)

			f, err := module.NewFile(bytes.NewReader(data), base, container)
			require.NoError(t, err)
			obj, err := f.ReadObject(0)
			require.NoError(t, err)
			require.Equal(t, im.Objects[0].Data, obj)
		})
	}
}

func TestLocateErrors(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":   nil,
		"unknown": []byte("PE\x00\x00"),
		"no lx":   append([]byte("MZ"), make([]byte, 0x3e)...),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := module.Locate(bytes.NewReader(data))
			require.ErrorIs(t, err, module.ErrMalformedHeader)
		})
	}
}

func TestOpen(t *testing.T) {
	im := simpleImage(module.FormatLX)
	im.Stub = true
	im.Bound = 0x400
	name := filepath.Join(t.TempDir(), "bound.exe")
	require.NoError(t, os.WriteFile(name, im.Bytes(), 0o644))

	f, err := module.Open(name)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, int64(0x440), f.Base)
	obj, err := f.ReadObject(0)
	require.NoError(t, err)
	require.Equal(t, im.Objects[0].Data, obj)

	// Explicit offsets skip locating the header.
	g, err := module.Open(name, module.WithOffsets(0x440, 0x400))
	require.NoError(t, err)
	defer g.Close()
	require.Equal(t, f.DataPagesOffset, g.DataPagesOffset)

	_, err = module.Open(filepath.Join(t.TempDir(), "missing.exe"))
	require.Error(t, err)
}
