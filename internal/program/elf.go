package program

import (
	"debug/elf"
	"fmt"
)

// ELFParser builds the segment table from the PT_LOAD program headers of an ELF file.
type ELFParser struct {
	pageSize uintptr
}

func NewELFParser(pageSize uintptr) *ELFParser {
	return &ELFParser{pageSize: pageSize}
}

func (p *ELFParser) Parse(path string) (*Executable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	defer f.Close()

	exe := &Executable{
		Path:  path,
		Entry: uintptr(f.Entry),
	}

	switch f.Type {
	case elf.ET_EXEC:
		exe.Type = Fixed
	case elf.ET_DYN:
		exe.Type = Relocatable
	default:
		return nil, fmt.Errorf("%w: %s: unsupported ELF type %s", ErrParse, path, f.Type)
	}

	mask := uint64(p.pageSize - 1)

	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: %s: segment %d file size %#x exceeds memory size %#x", ErrParse, path, i, prog.Filesz, prog.Memsz)
		}

		if prog.Vaddr&mask != prog.Off&mask {
			return nil, fmt.Errorf("%w: %s: segment %d vaddr %#x and offset %#x are not congruent", ErrParse, path, i, prog.Vaddr, prog.Off)
		}

		// Start the segment at its page boundary, the bytes in front of it are loaded too.
		delta := prog.Vaddr & mask

		exe.Segments = append(exe.Segments, &Segment{
			Vaddr:    uintptr(prog.Vaddr - delta),
			MemSize:  uintptr(prog.Memsz + delta),
			FileSize: uintptr(prog.Filesz + delta),
			Offset:   int64(prog.Off - delta),
			Perm:     elfPerm(prog.Flags),
		})
	}

	if len(exe.Segments) == 0 {
		return nil, fmt.Errorf("%w: %s: no loadable segments", ErrParse, path)
	}

	return exe, nil
}

func elfPerm(flags elf.ProgFlag) Perm {
	var p Perm

	if flags&elf.PF_R != 0 {
		p |= PermRead
	}

	if flags&elf.PF_W != 0 {
		p |= PermWrite
	}

	if flags&elf.PF_X != 0 {
		p |= PermExec
	}

	return p
}
