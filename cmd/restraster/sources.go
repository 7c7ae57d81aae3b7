package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/GrainArc/RestRaster/catalog"
)

func runSources(args []string) int {
	fs := flag.NewFlagSet("sources", flag.ExitOnError)
	source := fs.String("source", "", "Only list services of this source")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	var (
		list []catalog.Service
		err  error
	)
	if *source != "" {
		list, err = catalog.ServicesBySource(*source)
	} else {
		list, err = catalog.Sources()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	if *asJSON {
		if err := writeOutput("", list); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		return ExitSuccess
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSERVICE\tURL")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Source, s.Service, s.URL)
	}
	tw.Flush()
	return ExitSuccess
}
