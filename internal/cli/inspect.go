package cli

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/graphapi"
	"github.com/comfygen/comfygen/workflow"
)

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:           "queue",
		Short:         "Show the prompts the backend is running and holding",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, rt, err := setup(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.stop()

			snap := rt.client.GetQueue(ctx)
			if asJSON {
				return writeJSON(cmd, snap)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "running: %d\n", len(snap.Running))
			for _, id := range snap.Running {
				fmt.Fprintf(out, "  %s\n", id)
			}
			fmt.Fprintf(out, "pending: %d\n", len(snap.Pending))
			for i, id := range snap.Pending {
				fmt.Fprintf(out, "  %d. %s\n", i+1, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Show backend system and device information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, rt, err := setup(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.stop()

			stats, err := rt.client.GetSystemStats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, stats)
			}
			printStats(cmd, stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stats as JSON")
	return cmd
}

func printStats(cmd *cobra.Command, stats *client.SystemStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "os:      %s\n", stats.System.OS)
	fmt.Fprintf(out, "python:  %s\n", stats.System.PythonVersion)
	if stats.System.ComfyUIVersion != "" {
		fmt.Fprintf(out, "comfyui: %s\n", stats.System.ComfyUIVersion)
	}
	for _, d := range stats.Devices {
		fmt.Fprintf(out, "device %d: %s (%s) vram %d/%d MiB free\n",
			d.Index, d.Name, d.Type, d.VRAMFree>>20, d.VRAMTotal>>20)
	}
}

// PromptOptions holds flags for the prompt command.
type PromptOptions struct {
	*RootOptions
	Print  bool
	Output string
}

// NewPromptCommand creates the prompt command.
func NewPromptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PromptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prompt <png>",
		Short: "Re-run the graph embedded in an image the backend saved",
		Long: `Read the API-format graph stored in the "prompt" metadata of a PNG
written by the backend and submit it again unchanged.

Example:
  comfygen prompt ComfyUI_00042_.png
  comfygen prompt ComfyUI_00042_.png --print > workflow.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the embedded graph instead of running it")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "directory the images are written to")
	return cmd
}

func runPrompt(cmd *cobra.Command, opts *PromptOptions, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	graph, err := graphapi.NewGraphFromPNGReader(f)
	f.Close()
	if err != nil {
		return err
	}
	if opts.Print {
		s, err := graph.GraphToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}

	ctx, rt, err := setup(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.stop()

	gen, err := rt.generator()
	if err != nil {
		return err
	}
	imgs, err := withSpinner(cmd, func(sink workflow.StatusSink) ([]image.Image, error) {
		arts, err := gen.Run(ctx, "prompt", graph, sink)
		if err != nil {
			return nil, err
		}
		imgs := make([]image.Image, len(arts))
		for i, a := range arts {
			imgs[i] = a.Image
		}
		return imgs, nil
	})
	if err != nil {
		return err
	}
	dir := opts.Output
	if dir == "" {
		dir = rt.cfg.OutputDir
	}
	return report(cmd, dir, "prompt", imgs)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
