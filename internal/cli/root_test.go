package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/client/comfytest"
	"github.com/comfygen/comfygen/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "comfygen", cmd.Use)
	assert.Contains(t, cmd.Long, "API-format workflow")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"generate", "plus", "img2img", "upscale", "queue", "stats", "prompt"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "comfygen.yaml", configFlag.DefValue)

	for _, name := range []string{"env-file", "server", "metrics-addr"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestGenerateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	genCmd, _, err := cmd.Find([]string{"generate"})
	require.NoError(t, err)

	for _, name := range []string{"negative", "steps", "cfg", "sampler", "scheduler", "checkpoint", "seed", "output"} {
		assert.NotNil(t, genCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "o", genCmd.Flags().Lookup("output").Shorthand)
	assert.Equal(t, "0", genCmd.Flags().Lookup("steps").DefValue)
}

func TestUpscaleCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	upCmd, _, err := cmd.Find([]string{"upscale"})
	require.NoError(t, err)

	promptFlag := upCmd.Flags().Lookup("prompt")
	require.NotNil(t, promptFlag)
	assert.Equal(t, "p", promptFlag.Shorthand)

	for _, name := range []string{"negative", "checkpoint", "seed", "output"} {
		assert.NotNil(t, upCmd.Flags().Lookup(name), name)
	}
	// the upscale template owns its sampling settings
	for _, name := range []string{"steps", "cfg", "sampler", "scheduler"} {
		assert.Nil(t, upCmd.Flags().Lookup(name), name)
	}
}

const cliTemplate = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 5, "steps": ["10", 0], "cfg": ["11", 0], "sampler_name": "euler", "scheduler": "normal"}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "template.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "template prompt"}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "final_output"}},
  "10": {"class_type": "PrimitiveNode", "inputs": {"value": 20}},
  "11": {"class_type": "Float to String", "inputs": {"Number": "8.0"}}
}`

type env struct {
	fake   *comfytest.Server
	config string
	dotenv string
	out    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "text2img.json"), []byte(cliTemplate), 0o644))

	fake := comfytest.NewServer()
	t.Cleanup(fake.Close)
	fake.Outputs = []comfytest.NodeOutput{
		{NodeID: "9", Images: []comfytest.Output{{Filename: "final_output_00001_.png", Type: "output"}}},
	}
	fake.Files["final_output_00001_.png"] = comfytest.PNG(4, 4, color.Black)

	out := filepath.Join(dir, "out")
	cfg := `server:
  address: ` + fake.Address() + `
  job_timeout: 5s
  connect_retries: 1
  retry_base_delay: 10ms
  retry_max_delay: 20ms
workflows:
  text2img:
    template: text2img.json
    nodes:
      PROMPT_NODES: "6"
      STEPS_NODES: "10"
      CFG_NODES: "11"
      SAMPLER_NODES: "3"
      RAND_SEED_NODES: "3"
      CHECKPOINT_NODES: "4"
checkpoints:
  default: anime/aniverse_v50.safetensors
log:
  level: error
output_dir: ` + out + `
`
	path := filepath.Join(dir, "comfygen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &env{fake: fake, config: path, dotenv: filepath.Join(dir, "missing.env"), out: out}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.config, "--env-file", e.dotenv}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestGenerateWritesImages(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "generate", "a", "lighthouse", "--steps", "12", "--seed", "77")
	require.NoError(t, err)

	paths := strings.Fields(out)
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], e.out))
	assert.FileExists(t, paths[0])

	subs := e.fake.Submissions()
	require.Len(t, subs, 1)
	g := subs[0].Graph
	text, _ := g.GetInput("6", "text")
	assert.Equal(t, "a lighthouse", text)
	steps, _ := g.GetInput("10", "value")
	assert.EqualValues(t, 12, steps)
	seed, _ := g.GetInput("3", "seed")
	assert.EqualValues(t, 77, seed)
	// unset fields come from the default checkpoint's preset
	cfg, _ := g.GetInput("11", "Number")
	assert.Equal(t, "6", cfg)
	sampler, _ := g.GetInput("3", "sampler_name")
	assert.Equal(t, "dpmpp_2m", sampler)
	scheduler, _ := g.GetInput("3", "scheduler")
	assert.Equal(t, "karras", scheduler)
	ckpt, _ := g.GetInput("4", "ckpt_name")
	assert.Equal(t, "anime/aniverse_v50.safetensors", ckpt)
}

func TestGenerateRejectsUnlistedCheckpoint(t *testing.T) {
	e := newEnv(t)
	t.Setenv("COMFYGEN_CHECKPOINTS", "anime/aniverse_v50.safetensors,Real/DreamShaper_8_pruned.safetensors")

	_, err := e.run(t, "generate", "x", "--checkpoint", "anime/typo.safetensors")
	require.ErrorIs(t, err, config.ErrUnknownCheckpoint)
	assert.Empty(t, e.fake.Submissions())

	_, err = e.run(t, "generate", "x", "--checkpoint", "Real/DreamShaper_8_pruned.safetensors")
	require.NoError(t, err)
	subs := e.fake.Submissions()
	require.Len(t, subs, 1)
	ckpt, _ := subs[0].Graph.GetInput("4", "ckpt_name")
	assert.Equal(t, "Real/DreamShaper_8_pruned.safetensors", ckpt)
}

func TestGenerateUnconfiguredWorkflow(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "plus", "anything")
	require.Error(t, err)
	assert.Empty(t, e.fake.Submissions())
}

func TestGenerateRequiresPrompt(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "generate")
	assert.Error(t, err)
}

func TestQueueCommand(t *testing.T) {
	e := newEnv(t)
	e.fake.Running = []string{"r1"}
	e.fake.Pending = []string{"p1", "p2"}

	out, err := e.run(t, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "running: 1")
	assert.Contains(t, out, "2. p2")

	out, err = e.run(t, "queue", "--json")
	require.NoError(t, err)
	var snap client.QueueSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, []string{"p1", "p2"}, snap.Pending)
}

func TestStatsCommand(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "os:      posix")
	assert.Contains(t, out, "NVIDIA GeForce RTX 4090")
}

func TestPromptCommandRejectsPlainPNG(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "plain.png")
	require.NoError(t, os.WriteFile(path, comfytest.PNG(2, 2, color.White), 0o644))

	_, err := e.run(t, "prompt", path, "--print")
	assert.Error(t, err)
}
