package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/relabs-tech/spectacle/internal/tagmap"
)

func main() {
	format := flag.String("format", "wpilib", "input format: fmap or wpilib")
	in := flag.String("in", "", "input file (default stdin)")
	out := flag.String("out", "", "output file (default stdout)")
	size := flag.Float64("size", tagmap.DefaultTagSize, "tag edge length in meters (wpilib only)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := convert(*format, *in, *out, *size); err != nil {
		log.Error("tag map conversion failed", "error", err)
		os.Exit(1)
	}
}

func convert(format, in, out string, size float64) error {
	var r io.Reader = os.Stdin
	if in != "" {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var tags []tagmap.Tag
	var err error
	switch format {
	case "fmap":
		tags, err = tagmap.FromFMap(r)
	case "wpilib":
		tags, err = tagmap.FromWPILib(r, size)
	default:
		return fmt.Errorf("unknown format %q (want fmap or wpilib)", format)
	}
	if err != nil {
		return err
	}

	if out == "" {
		return tagmap.Write(os.Stdout, tags)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := tagmap.Write(f, tags); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
