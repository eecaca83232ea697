// kifulab-conv converts kifu text between USI, KIF and KIF2 without the
// server. It reads a file (or stdin) and writes the converted text to
// stdout.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kifulab/kifulab/internal/kifu"
)

func main() {
	from := flag.String("from", "", "input format: usi, kif or kif2 (default: autodetect)")
	to := flag.String("to", "kif", "output format: usi, kif or kif2")
	allVariations := flag.Bool("all-variations", false, "emit every variation for USI output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [file]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var (
		input []byte
		err   error
	)
	if name := flag.Arg(0); name != "" {
		input, err = os.ReadFile(name)
	} else {
		input, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read failed:", err)
		os.Exit(1)
	}
	text := string(input)

	srcFormat := kifu.Format(*from)
	if *from == "" {
		srcFormat = kifu.Detect(text)
		if srcFormat == kifu.FormatUnknown {
			fmt.Fprintln(os.Stderr, "could not detect input format; pass -from")
			os.Exit(1)
		}
	}

	game, warnings, err := kifu.Parse(srcFormat, text)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse failed:", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	out, err := kifu.Emit(kifu.Format(*to), game, kifu.EmitOptions{AllVariations: *allVariations})
	if err != nil {
		fmt.Fprintln(os.Stderr, "emit failed:", err)
		os.Exit(1)
	}
	fmt.Print(out)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		fmt.Println()
	}
}
