package cli

import (
	"fmt"
	"image"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comfygen/comfygen/workflow"
)

// ParamOptions holds the generation parameter flags shared by the workflow commands.
type ParamOptions struct {
	*RootOptions
	Negative   string
	Steps      int
	CFG        float64
	Sampler    string
	Scheduler  string
	Checkpoint string
	Seed       int64
	Output     string
}

func (o *ParamOptions) bind(cmd *cobra.Command) {
	o.bindCommon(cmd)
	cmd.Flags().IntVar(&o.Steps, "steps", 0, "sampling steps (0 uses the checkpoint preset)")
	cmd.Flags().Float64Var(&o.CFG, "cfg", 0, "classifier-free guidance scale (0 uses the checkpoint preset)")
	cmd.Flags().StringVar(&o.Sampler, "sampler", "", "sampler name")
	cmd.Flags().StringVar(&o.Scheduler, "scheduler", "", "scheduler name")
}

// bindCommon registers the flags every workflow honours
func (o *ParamOptions) bindCommon(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Negative, "negative", "n", "", "negative prompt")
	cmd.Flags().StringVar(&o.Checkpoint, "checkpoint", "", "checkpoint file (defaults to the configured checkpoint)")
	cmd.Flags().Int64Var(&o.Seed, "seed", 0, "sampler seed (0 picks one at random)")
	cmd.Flags().StringVarP(&o.Output, "output", "o", "", "directory the images are written to")
}

// params turns the flags into workflow parameters.  With withPreset set the
// checkpoint preset fills every sampling field left unset.  A checkpoint
// outside the configured list is rejected.
func (o *ParamOptions) params(rt *runtime, prompt string, withPreset bool) (workflow.Params, error) {
	if err := rt.cfg.Checkpoints.Check(o.Checkpoint); err != nil {
		return workflow.Params{}, err
	}
	ckpt, preset := rt.cfg.Checkpoints.Resolve(o.Checkpoint)
	p := workflow.Params{
		Prompt:         prompt,
		NegativePrompt: o.Negative,
		Steps:          o.Steps,
		CFG:            o.CFG,
		Sampler:        o.Sampler,
		Scheduler:      o.Scheduler,
		Checkpoint:     ckpt,
		Seed:           o.Seed,
	}
	if !withPreset {
		return p, nil
	}
	if p.Steps <= 0 {
		p.Steps = preset.Steps
	}
	if p.CFG <= 0 {
		p.CFG = preset.CFG
	}
	if p.Sampler == "" {
		p.Sampler = preset.Sampler
	}
	if p.Scheduler == "" {
		p.Scheduler = preset.Scheduler
	}
	return p, nil
}

func (o *ParamOptions) outputDir(rt *runtime) string {
	if o.Output != "" {
		return o.Output
	}
	return rt.cfg.OutputDir
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	return newTextCommand(rootOpts, "generate", "Generate images from a text prompt", workflow.KindText2Img)
}

// NewPlusCommand creates the plus command.
func NewPlusCommand(rootOpts *RootOptions) *cobra.Command {
	return newTextCommand(rootOpts, "plus", "Generate images from a text prompt with the detailer workflow", workflow.KindText2ImgPlus)
}

func newTextCommand(rootOpts *RootOptions, use, short string, kind workflow.Kind) *cobra.Command {
	opts := &ParamOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use + " <prompt>",
		Short: short,
		Long: short + `.

The sampling parameters default to the preset of the selected checkpoint.

Example:
  comfygen ` + use + ` "a lighthouse at dusk, oil painting" --steps 30
  comfygen ` + use + ` "portrait of a cat" --checkpoint anime/aniverse_v50.safetensors`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runText(cmd, opts, kind, strings.Join(args, " "))
		},
	}
	opts.bind(cmd)
	return cmd
}

func runText(cmd *cobra.Command, opts *ParamOptions, kind workflow.Kind, prompt string) error {
	ctx, rt, err := setup(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.stop()

	gen, err := rt.generator()
	if err != nil {
		return err
	}
	p, err := opts.params(rt, prompt, true)
	if err != nil {
		return err
	}
	rt.log.WithFields(logrus.Fields{
		"workflow":   kind,
		"checkpoint": p.Checkpoint,
		"steps":      p.Steps,
		"cfg":        p.CFG,
		"sampler":    p.Sampler,
		"scheduler":  p.Scheduler,
	}).Debug("generating")

	imgs, err := withSpinner(cmd, func(sink workflow.StatusSink) ([]image.Image, error) {
		if kind == workflow.KindText2ImgPlus {
			return gen.GeneratePlus(ctx, p, sink)
		}
		return gen.Generate(ctx, p, sink)
	})
	if err != nil {
		return err
	}
	return report(cmd, opts.outputDir(rt), string(kind), imgs)
}

// withSpinner runs fn with a status sink that drives a terminal spinner
func withSpinner(cmd *cobra.Command, fn func(workflow.StatusSink) ([]image.Image, error)) ([]image.Image, error) {
	s := newSpinner(cmd.ErrOrStderr())
	defer s.Finish()
	return fn(s.Sink())
}

func report(cmd *cobra.Command, dir, prefix string, imgs []image.Image) error {
	paths, err := saveImages(dir, prefix, imgs...)
	if err != nil {
		return fmt.Errorf("saving images: %w", err)
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}
