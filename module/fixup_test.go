package module_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"moria.us/lxload/internal/lxtest"
	"moria.us/lxload/module"
)

// fixupImage returns a single object image with the given fixups.
func fixupImage(fixups ...lxtest.Fixup) *lxtest.Image {
	return &lxtest.Image{
		Entry: module.Ref{Obj: 1},
		Objects: []lxtest.Object{{
			Flags:  module.ObjR | module.ObjW,
			Addr:   0x12340000,
			Data:   lxtest.Page(0x1000, 0xee),
			Fixups: fixups,
		}},
	}
}

func loadObject(t *testing.T, im *lxtest.Image, opts ...module.Option) (raw, fixed []byte) {
	t.Helper()
	f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0, opts...)
	require.NoError(t, err)
	raw, err = f.RawObject(0)
	require.NoError(t, err)
	fixed, err = f.ReadObject(0)
	require.NoError(t, err)
	return raw, fixed
}

func TestFixupOffset32(t *testing.T) {
	raw, fixed := loadObject(t, fixupImage(lxtest.Fixup{
		SrcType: module.SrcOffset32, Src: []int16{0x10}, Target: module.Ref{Obj: 1},
	}))
	require.Len(t, fixed, 0x1000)
	require.Equal(t, uint32(0x12340000), binary.LittleEndian.Uint32(fixed[0x10:]))
	require.Equal(t, raw[:0x10], fixed[:0x10])
	require.Equal(t, raw[0x14:], fixed[0x14:])
}

func TestFixupRelative32(t *testing.T) {
	_, fixed := loadObject(t, fixupImage(lxtest.Fixup{
		SrcType: module.SrcRelative32, Src: []int16{0x20}, Target: module.Ref{Obj: 1, Off: 4},
	}))
	require.Equal(t, uint32(0x24), binary.LittleEndian.Uint32(fixed[0x20:]))
}

func TestFixupOffset16(t *testing.T) {
	raw, fixed := loadObject(t, fixupImage(lxtest.Fixup{
		SrcType: module.SrcOffset16, Src: []int16{0x30}, Target: module.Ref{Obj: 1, Off: 0x5678},
	}))
	require.Equal(t, uint16(0x5678), binary.LittleEndian.Uint16(fixed[0x30:]))
	require.Equal(t, raw[0x32:], fixed[0x32:])
}

func TestFixupPointer32(t *testing.T) {
	_, fixed := loadObject(t, fixupImage(lxtest.Fixup{
		SrcType: module.SrcPointer32, Src: []int16{0x40}, Target: module.Ref{Obj: 1, Off: 0x89abc}, Wide: true,
	}))
	require.Equal(t, uint32(0x12340000+0x89abc), binary.LittleEndian.Uint32(fixed[0x40:]))
}

func TestFixupSourceList(t *testing.T) {
	_, fixed := loadObject(t, fixupImage(lxtest.Fixup{
		SrcType: module.SrcOffset32,
		Src:     []int16{0x100, 0x200, 0x300},
		Target:  module.Ref{Obj: 1, Off: 8},
		Add:     0x10,
	}))
	for _, off := range []int{0x100, 0x200, 0x300} {
		require.Equal(t, uint32(0x12340018), binary.LittleEndian.Uint32(fixed[off:]))
	}
}

func TestFixupSkipped(t *testing.T) {
	testcases := []struct {
		name   string
		fixup  lxtest.Fixup
		reason string
	}{
		{
			name:   "past end",
			fixup:  lxtest.Fixup{SrcType: module.SrcOffset32, Src: []int16{0x2000}, Target: module.Ref{Obj: 1}},
			reason: "out_of_range",
		},
		{
			name:   "straddles end",
			fixup:  lxtest.Fixup{SrcType: module.SrcOffset32, Src: []int16{0xffe}, Target: module.Ref{Obj: 1}},
			reason: "out_of_range",
		},
		{
			name:   "negative",
			fixup:  lxtest.Fixup{SrcType: module.SrcOffset32, Src: []int16{-3}, Target: module.Ref{Obj: 1}},
			reason: "out_of_range",
		},
		{
			name:   "selector",
			fixup:  lxtest.Fixup{SrcType: module.SrcSelector16, Src: []int16{0x10}, Target: module.Ref{Obj: 1}},
			reason: "selector",
		},
		{
			name:   "byte",
			fixup:  lxtest.Fixup{SrcType: module.SrcByte, Src: []int16{0x10}, Target: module.Ref{Obj: 1}},
			reason: "unsupported_kind",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			raw, fixed := loadObject(t, fixupImage(tc.fixup), module.WithRegisterer(reg))
			require.Equal(t, raw, fixed)
			expected := `
# HELP lxload_fixups_skipped_total Total number of fixups not applied by reason.
# TYPE lxload_fixups_skipped_total counter
lxload_fixups_skipped_total{reason="` + tc.reason + `"} 1
`
			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lxload_fixups_skipped_total"))
		})
	}
}

func TestFixupSecondPage(t *testing.T) {
	im := &lxtest.Image{
		Objects: []lxtest.Object{{
			Flags: module.ObjR,
			Addr:  0x400000,
			Data:  lxtest.Page(0x2000, 0),
			Fixups: []lxtest.Fixup{
				{Page: 1, SrcType: module.SrcOffset32, Src: []int16{0x10}, Target: module.Ref{Obj: 1, Off: 0x1000}},
				// Crosses back onto the first page.
				{Page: 1, SrcType: module.SrcOffset32, Src: []int16{-2}, Target: module.Ref{Obj: 1, Off: 0x2}},
			},
		}},
	}
	f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0)
	require.NoError(t, err)
	require.Len(t, f.Objects[0].Fixups, 2)
	require.Equal(t, uint32(0x1000), f.Objects[0].Fixups[0].PageBase)

	data, err := f.ReadObject(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x401000), binary.LittleEndian.Uint32(data[0x1010:]))
	require.Equal(t, uint32(0x400002), binary.LittleEndian.Uint32(data[0xffe:]))
}

func TestFixupOtherObject(t *testing.T) {
	im := threeObjectImage(module.FormatLX)
	im.Objects[2].Fixups = []lxtest.Fixup{
		{SrcType: module.SrcOffset32, Src: []int16{0x4}, Target: module.Ref{Obj: 2, Off: 0x2ff0}},
	}
	f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0)
	require.NoError(t, err)
	data, err := f.ReadObject(2)
	require.NoError(t, err)
	require.Len(t, data, 0x234)
	require.Equal(t, uint32(0x22ff0), binary.LittleEndian.Uint32(data[4:]))
}

func TestFixupDeterministic(t *testing.T) {
	im := fixupImage(
		lxtest.Fixup{SrcType: module.SrcOffset32, Src: []int16{0x10, 0x80}, Target: module.Ref{Obj: 1, Off: 0x44}},
		lxtest.Fixup{SrcType: module.SrcRelative32, Src: []int16{0x20}, Target: module.Ref{Obj: 1, Off: 4}},
	)
	f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0)
	require.NoError(t, err)
	a, err := f.RawObject(0)
	require.NoError(t, err)
	b, err := f.RawObject(0)
	require.NoError(t, err)
	require.Equal(t, a, b)
	f.ApplyFixups(0, a)
	f.ApplyFixups(0, b)
	require.Equal(t, a, b)
}

func TestImportFixup(t *testing.T) {
	im := fixupImage()
	im.Objects[0].Raw = map[int][]byte{0: {
		0x07, 0x01, 0x10, 0x00, 0x01, 0x05, 0x00, // import ordinal 1.5 at +0x10
		0x07, 0x81, 0x20, 0x00, 0x02, 0x09,       // import ordinal 2.9, 8-bit ordinal
		0x07, 0x02, 0x30, 0x00, 0x01, 0x34, 0x12, // import name 1 at name offset 0x1234
		0x07, 0x03, 0x40, 0x00, 0x03,             // entry 3
	}}
	reg := prometheus.NewRegistry()
	f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0, module.WithRegisterer(reg))
	require.NoError(t, err)

	fixups := f.Objects[0].Fixups
	require.Len(t, fixups, 4)
	require.Equal(t, module.TargetImportOrdinal, fixups[0].Flags.Type())
	require.Equal(t, uint16(1), fixups[0].Module)
	require.Equal(t, uint32(5), fixups[0].Proc)
	require.Equal(t, 7, fixups[0].Size())
	require.Equal(t, uint32(9), fixups[1].Proc)
	require.Equal(t, 6, fixups[1].Size())
	require.Equal(t, module.TargetImportName, fixups[2].Flags.Type())
	require.Equal(t, uint32(0x1234), fixups[2].Proc)
	require.Equal(t, module.TargetEntry, fixups[3].Flags.Type())
	require.Equal(t, uint16(3), fixups[3].Module)
	require.Equal(t, []int16{0x40}, fixups[3].Src)

	raw, err := f.RawObject(0)
	require.NoError(t, err)
	fixed, err := f.ReadObject(0)
	require.NoError(t, err)
	require.Equal(t, raw, fixed)
	require.Equal(t, float64(4), sumCounter(t, reg, "lxload_fixups_skipped_total"))
}

// sumCounter sums all series of the named counter.
func sumCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCorruptFixups(t *testing.T) {
	testcases := map[string]*lxtest.Image{
		"overrun": func() *lxtest.Image {
			im := fixupImage()
			im.Objects[0].Raw = map[int][]byte{0: {0x07, 0x00, 0x10}}
			return im
		}(),
		"overrun list": func() *lxtest.Image {
			im := fixupImage()
			im.Objects[0].Raw = map[int][]byte{0: {0x27, 0x00, 0x03, 0x01, 0x00, 0x00, 0x10, 0x00, 0x20, 0x00}}
			return im
		}(),
		"target object": fixupImage(lxtest.Fixup{
			SrcType: module.SrcOffset32, Src: []int16{0x10}, Target: module.Ref{Obj: 2},
		}),
		"zero object": fixupImage(lxtest.Fixup{
			SrcType: module.SrcOffset32, Src: []int16{0x10}, Target: module.Ref{Obj: 0},
		}),
	}
	for name, im := range testcases {
		t.Run(name, func(t *testing.T) {
			_, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0)
			require.ErrorIs(t, err, module.ErrCorruptFixupTable)
		})
	}
}

func TestCorruptFixupPageTable(t *testing.T) {
	data := fixupImage(lxtest.Fixup{
		SrcType: module.SrcOffset32, Src: []int16{0x10}, Target: module.Ref{Obj: 1},
	}).Bytes()
	f, err := module.NewFile(bytes.NewReader(data), 0, 0)
	require.NoError(t, err)

	// Make the sentinel point before the first page's records.
	binary.LittleEndian.PutUint32(data[f.FixupPageTableOffset:], 8)
	binary.LittleEndian.PutUint32(data[f.FixupPageTableOffset+4:], 0)
	_, err = module.NewFile(bytes.NewReader(data), 0, 0)
	require.ErrorIs(t, err, module.ErrCorruptFixupTable)
}

func TestFixupRecordWidths(t *testing.T) {
	testcases := []struct {
		name   string
		record []byte
		size   int
		check  func(t *testing.T, fx module.Fixup)
		dst    int
		value  uint32
		width  int
	}{
		{
			name:   "16-bit object, 16-bit additive",
			record: []byte{0x07, 0x44, 0x10, 0x00, 0x01, 0x00, 0x08, 0x00, 0x02, 0x00},
			size:   10,
			check: func(t *testing.T, fx module.Fixup) {
				require.Equal(t, module.Ref{Obj: 1, Off: 8}, fx.Target)
				require.Equal(t, uint32(2), fx.Add)
			},
			dst: 0x10, value: 0x1234000a, width: 4,
		},
		{
			name:   "16-bit additive",
			record: []byte{0x07, 0x04, 0x20, 0x00, 0x01, 0x04, 0x00, 0x10, 0x00},
			size:   9,
			check: func(t *testing.T, fx module.Fixup) {
				require.Equal(t, module.Ref{Obj: 1, Off: 4}, fx.Target)
				require.Equal(t, uint32(0x10), fx.Add)
			},
			dst: 0x20, value: 0x12340014, width: 4,
		},
		{
			name:   "32-bit import ordinal",
			record: []byte{0x07, 0x11, 0x30, 0x00, 0x02, 0x78, 0x56, 0x34, 0x12},
			size:   9,
			check: func(t *testing.T, fx module.Fixup) {
				require.Equal(t, module.TargetImportOrdinal, fx.Flags.Type())
				require.Equal(t, uint16(2), fx.Module)
				require.Equal(t, uint32(0x12345678), fx.Proc)
			},
			dst: 0x30,
		},
		{
			name:   "16-bit entry ordinal",
			record: []byte{0x07, 0x43, 0x40, 0x00, 0x05, 0x01},
			size:   6,
			check: func(t *testing.T, fx module.Fixup) {
				require.Equal(t, module.TargetEntry, fx.Flags.Type())
				require.Equal(t, uint16(0x0105), fx.Module)
			},
			dst: 0x40,
		},
		{
			name:   "16-bit offset list",
			record: []byte{0x25, 0x00, 0x02, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x02},
			size:   10,
			check: func(t *testing.T, fx module.Fixup) {
				require.Equal(t, module.SrcOffset16, fx.SrcType.Kind())
				require.Equal(t, []int16{0x100, 0x200}, fx.Src)
				require.Equal(t, module.Ref{Obj: 1, Off: 0x100}, fx.Target)
			},
			dst: 0x200, value: 0x0100, width: 2,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			im := fixupImage()
			im.Objects[0].Raw = map[int][]byte{0: tc.record}
			f, err := module.NewFile(bytes.NewReader(im.Bytes()), 0, 0)
			require.NoError(t, err)
			require.Len(t, f.Objects[0].Fixups, 1)
			fx := f.Objects[0].Fixups[0]
			require.Equal(t, tc.size, fx.Size())
			tc.check(t, fx)

			raw, err := f.RawObject(0)
			require.NoError(t, err)
			fixed, err := f.ReadObject(0)
			require.NoError(t, err)
			switch tc.width {
			case 0:
				require.Equal(t, raw, fixed)
			case 2:
				require.Equal(t, uint16(tc.value), binary.LittleEndian.Uint16(fixed[tc.dst:]))
			case 4:
				require.Equal(t, tc.value, binary.LittleEndian.Uint32(fixed[tc.dst:]))
			}
		})
	}
}
