package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"moria.us/lxload/module"
)

// loadModule opens the input file and loads the module in it. The returned
// input must be closed once the module is no longer used.
func loadModule(c *config) (*module.File, *input, error) {
	in, err := openInput(c.file)
	if err != nil {
		return nil, nil, err
	}
	base, container := c.base, c.container
	if c.locate() {
		if base, container, err = module.Locate(in); err != nil {
			in.Close()
			return nil, nil, errors.Wrap(err, c.file)
		}
	}
	f, err := module.NewFile(in, base, container,
		module.WithLogger(logger),
		module.WithMaxObjectSize(uint64(c.maxObjectSize)))
	if err != nil {
		in.Close()
		return nil, nil, errors.Wrap(err, c.file)
	}
	level.Debug(logger).Log("msg", "opened module", "file", c.file, "size", humanize.IBytes(uint64(in.size)),
		"format", f.Format, "base", base, "container", container)
	return f, in, nil
}

type objectInfo struct {
	Number      int    `json:"number" yaml:"number"`
	BaseAddress uint32 `json:"base_address" yaml:"base_address"`
	VirtualSize uint32 `json:"virtual_size" yaml:"virtual_size"`
	Flags       uint32 `json:"flags" yaml:"flags"`
	Access      string `json:"access" yaml:"access"`
	PageIndex   int    `json:"page_index" yaml:"page_index"`
	Pages       uint32 `json:"pages" yaml:"pages"`
	Fixups      int    `json:"fixups" yaml:"fixups"`
}

type moduleInfo struct {
	Format       string       `json:"format" yaml:"format"`
	Base         int64        `json:"base" yaml:"base"`
	Entry        *uint32      `json:"entry,omitempty" yaml:"entry,omitempty"`
	PageSize     uint32       `json:"page_size" yaml:"page_size"`
	LastPageSize uint32       `json:"last_page_size" yaml:"last_page_size"`
	Pages        int          `json:"pages" yaml:"pages"`
	Objects      []objectInfo `json:"objects" yaml:"objects"`
}

func newModuleInfo(f *module.File) *moduleInfo {
	mi := &moduleInfo{
		Format:       f.Format.String(),
		Base:         f.Base,
		PageSize:     f.PageSize,
		LastPageSize: f.LastPageSize,
		Pages:        len(f.Pages),
	}
	if addr, ok := f.Entry(); ok {
		mi.Entry = &addr
	}
	for i, obj := range f.Objects {
		mi.Objects = append(mi.Objects, objectInfo{
			Number:      i + 1,
			BaseAddress: obj.BaseAddress,
			VirtualSize: obj.VirtualSize,
			Flags:       uint32(obj.Flags),
			Access:      obj.Flags.String(),
			PageIndex:   obj.PageIndex,
			Pages:       obj.NumPageTableEntries,
			Fixups:      len(obj.Fixups),
		})
	}
	return mi
}

func info(ctx context.Context, c *config) error {
	f, in, err := loadModule(c)
	if err != nil {
		return err
	}
	defer in.Close()

	out := output(ctx)
	switch c.info.format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(newModuleInfo(f))
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(newModuleInfo(f)); err != nil {
			return err
		}
		return enc.Close()
	default:
		w := bufio.NewWriter(out)
		f.DumpText(w, "")
		return w.Flush()
	}
}

func objects(ctx context.Context, c *config) error {
	f, in, err := loadModule(c)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := f.ReadObjects(ctx, c.concurrency)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Object", "Base", "Size", "Flags", "Pages", "Fixups", "Digest"})
	for i, obj := range f.Objects {
		table.Append([]string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("0x%08x", obj.BaseAddress),
			humanize.IBytes(uint64(obj.VirtualSize)),
			obj.Flags.String(),
			strconv.FormatUint(uint64(obj.NumPageTableEntries), 10),
			strconv.Itoa(len(obj.Fixups)),
			fmt.Sprintf("%016x", xxhash.Sum64(data[i])),
		})
	}
	table.Render()
	return nil
}

// selectObjects returns the 1-based object numbers to extract, in order and
// without duplicates. No selection means every object.
func selectObjects(f *module.File, selected []int) ([]int, error) {
	if len(selected) == 0 {
		return lo.RangeFrom(1, len(f.Objects)), nil
	}
	selected = lo.Uniq(selected)
	for _, n := range selected {
		if n < 1 || n > len(f.Objects) {
			return nil, fmt.Errorf("object %d does not exist, module has %d objects", n, len(f.Objects))
		}
	}
	return selected, nil
}

func objectFileName(n int) string {
	return fmt.Sprintf("object%d.bin", n)
}

func extract(ctx context.Context, c *config) error {
	f, in, err := loadModule(c)
	if err != nil {
		return err
	}
	defer in.Close()

	numbers, err := selectObjects(f, c.extract.objects)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.extract.output, 0o755); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for _, n := range numbers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := f.ReadObject(n - 1)
			if err != nil {
				return errors.Wrapf(err, "object %d", n)
			}
			name := filepath.Join(c.extract.output, objectFileName(n))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				return err
			}
			level.Info(logger).Log("msg", "extracted object", "object", n, "file", name, "size", humanize.IBytes(uint64(len(data))))
			return nil
		})
	}
	return g.Wait()
}

func entry(ctx context.Context, c *config) error {
	f, in, err := loadModule(c)
	if err != nil {
		return err
	}
	defer in.Close()

	addr, ok := f.Entry()
	if !ok {
		return errors.New("module has no entry point")
	}
	_, err = fmt.Fprintf(output(ctx), "0x%08x\n", addr)
	return err
}
