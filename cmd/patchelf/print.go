package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

func printInfo(path string) error {
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	out := os.Stdout

	if interp, ok := img.Interpreter(); ok {
		fmt.Fprintln(out, "interpreter:", interp)
	}
	if soname, ok := img.Soname(); ok {
		fmt.Fprintln(out, "soname:", soname)
	}
	if rpath, ok := img.RPath(); ok {
		fmt.Fprintln(out, "rpath:", rpath)
	}
	if runpath, ok := img.RunPath(); ok {
		fmt.Fprintln(out, "runpath:", runpath)
	}
	if needed := img.Needed(); len(needed) > 0 {
		fmt.Fprintln(out, "needed:", strings.Join(needed, " "))
	}

	if len(img.Sections) == 0 {
		return nil
	}
	fmt.Fprintln(out, "sections:")
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Type", "Addr", "Offset", "Size", "Align"})
	for _, s := range img.Sections {
		table.Append([]string{
			s.Name,
			s.Type.String(),
			fmt.Sprintf("%#x", s.Addr),
			fmt.Sprintf("%#x", s.Off),
			humanize.Bytes(s.Size),
			fmt.Sprintf("%d", s.Addralign),
		})
	}
	table.Render()
	return nil
}
