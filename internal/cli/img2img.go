package cli

import (
	"image"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comfygen/comfygen/workflow"
)

// NewImg2ImgCommand creates the img2img command.
func NewImg2ImgCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParamOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "img2img <image> [prompt]",
		Short: "Generate alternatives of an existing image",
		Long: `Upload an image and run the image-to-image workflow on it.

Sampling parameters are only changed when given; otherwise the workflow
template keeps its own values.

Example:
  comfygen img2img ./output/text2img_1a2b3c4d_01.png "same scene, winter"
  comfygen img2img photo.jpg "watercolor" --steps 20 --cfg 5`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImg2Img(cmd, opts, args[0], strings.Join(args[1:], " "))
		},
	}
	opts.bind(cmd)
	return cmd
}

func runImg2Img(cmd *cobra.Command, opts *ParamOptions, source, prompt string) error {
	src, err := loadImage(source)
	if err != nil {
		return err
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
	p, err := opts.params(rt, prompt, false)
	if err != nil {
		return err
	}
	imgs, err := withSpinner(cmd, func(sink workflow.StatusSink) ([]image.Image, error) {
		return gen.Alternatives(ctx, src, p, sink)
	})
	if err != nil {
		return err
	}
	return report(cmd, opts.outputDir(rt), string(workflow.KindImg2Img), imgs)
}

// UpscaleOptions holds flags for the upscale command.
type UpscaleOptions struct {
	*ParamOptions
	Prompt string
}

// NewUpscaleCommand creates the upscale command.
func NewUpscaleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpscaleOptions{ParamOptions: &ParamOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "upscale <image>",
		Short: "Upscale an image",
		Long: `Upload an image and run the tiled upscale workflow on it.

The upscale model follows the checkpoint: anime checkpoints use the anime
model, everything else the general one.  The sampling settings belong to
the workflow template and have no flags here.

Example:
  comfygen upscale ./output/text2img_1a2b3c4d_01.png --prompt "a lighthouse at dusk"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpscale(cmd, opts, args[0])
		},
	}
	opts.bindCommon(cmd)
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "prompt guiding the upscale")
	return cmd
}

func runUpscale(cmd *cobra.Command, opts *UpscaleOptions, source string) error {
	src, err := loadImage(source)
	if err != nil {
		return err
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
	p, err := opts.params(rt, opts.Prompt, false)
	if err != nil {
		return err
	}
	imgs, err := withSpinner(cmd, func(sink workflow.StatusSink) ([]image.Image, error) {
		img, err := gen.Upscale(ctx, src, p, sink)
		if err != nil {
			return nil, err
		}
		return []image.Image{img}, nil
	})
	if err != nil {
		return err
	}
	return report(cmd, opts.outputDir(rt), string(workflow.KindUpscale), imgs)
}
