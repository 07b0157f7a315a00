package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfygen/comfygen/graphapi"
)

const sampleConfig = `
server:
  address: comfy.lan:8188
  job_timeout: 2m
  connect_retries: 5
workflows:
  text2img:
    template: workflows/text2img.json
    nodes:
      PROMPT_NODES: "6"
      NEG_PROMPT_NODES: "7"
      SAMPLER_NODES: "3, 12"
      RAND_SEED_NODES: "3"
  upscale:
    template: /abs/upscale.json
    nodes:
      FILE_INPUT_NODES: "10"
upscale:
  seam_fix_node: "21"
checkpoints:
  default: anime/novaAnimeXL_ilV140.safetensors
  files:
    - anime/novaAnimeXL_ilV140.safetensors
    - Real/custom.safetensors
  presets:
    Real/custom.safetensors:
      steps: 40
      sampler: dpmpp_2m
log:
  level: debug
  format: json
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "comfygen.yaml", sampleConfig)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "comfy.lan:8188", cfg.Server.Address)
	assert.Equal(t, 2*time.Minute, cfg.Server.JobTimeout)
	assert.Equal(t, 5, cfg.Server.ConnectRetries)
	// untouched defaults survive
	assert.Equal(t, 5*time.Second, cfg.Server.RetryMaxDelay)
	assert.Equal(t, "output", cfg.OutputDir)

	require.Contains(t, cfg.Workflows, WorkflowText2Img)
	assert.Equal(t, filepath.Join(dir, "workflows/text2img.json"), cfg.Workflows[WorkflowText2Img].Template)
	assert.Equal(t, "/abs/upscale.json", cfg.Workflows[WorkflowUpscale].Template)
	assert.Equal(t, "21", cfg.Upscale.SeamFixNode)
	assert.Equal(t, "debug", cfg.Log.Level)

	roles := cfg.Workflows[WorkflowText2Img].Roles()
	assert.Equal(t, []string{"3", "12"}, roles.Nodes(graphapi.RoleSampler))
	assert.Equal(t, []string{"3", "12"}, roles.Nodes(graphapi.RoleScheduler))
	assert.Empty(t, roles.Nodes(graphapi.RoleSteps))

	// built-in presets are merged with the file's
	assert.Contains(t, cfg.Checkpoints.Presets, "anime/aniverse_v50.safetensors")
	assert.Equal(t, 40, cfg.Checkpoints.Presets["Real/custom.safetensors"].Steps)
}

func TestLoadEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "comfygen.yaml", sampleConfig)

	t.Setenv("COMFYGEN_SERVER_ADDRESS", "https://gpu.example")
	t.Setenv("COMFYGEN_SEAM_FIX_NODE", "8")
	t.Setenv("COMFYGEN_CHECKPOINTS", "a.safetensors,b.safetensors")
	t.Setenv("COMFYGEN_OUTPUT_DIR", "/tmp/out")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "https://gpu.example", cfg.Server.Address)
	assert.Equal(t, "8", cfg.Upscale.SeamFixNode)
	assert.Equal(t, []string{"a.safetensors", "b.safetensors"}, cfg.Checkpoints.Files)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	// the file value stays when the environment is silent
	assert.Equal(t, 5, cfg.Server.ConnectRetries)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, ".env", "COMFYGEN_LOG_LEVEL=warn\n")
	t.Setenv("COMFYGEN_LOG_LEVEL", "")
	os.Unsetenv("COMFYGEN_LOG_LEVEL")

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8188", cfg.Server.Address)
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Address = " "
	assert.ErrorIs(t, cfg.Validate(), ErrServerAddressRequired)

	cfg = Default()
	cfg.Workflows["txt2img"] = WorkflowConfig{Template: "x.json"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Workflows[WorkflowImg2Img] = WorkflowConfig{}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Workflows[WorkflowImg2Img] = WorkflowConfig{Template: "x.json", Nodes: map[string]string{"PROMT_NODES": "6"}}
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownNodeKey)

	cfg = Default()
	cfg.Log.Format = "xml"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Server.RetryMaxDelay = time.Millisecond
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestResolvePreset(t *testing.T) {
	cc := Default().Checkpoints
	cc.Default = "anime/aniverse_v50.safetensors"
	cc.Presets["partial.safetensors"] = Preset{Steps: 12}

	ckpt, p := cc.Resolve("")
	assert.Equal(t, "anime/aniverse_v50.safetensors", ckpt)
	assert.Equal(t, Preset{Steps: 30, CFG: 6.0, Sampler: "dpmpp_2m", Scheduler: "karras"}, p)

	_, p = cc.Resolve("unknown.safetensors")
	assert.Equal(t, GlobalFallback, p)

	_, p = cc.Resolve("partial.safetensors")
	assert.Equal(t, Preset{Steps: 12, CFG: 6.0, Sampler: "euler_ancestral", Scheduler: "normal"}, p)
}

func TestCheckCheckpoint(t *testing.T) {
	cc := Default().Checkpoints
	assert.NoError(t, cc.Check("anything.safetensors"))

	cc.Files = []string{"anime/aniverse_v50.safetensors", "Real/DreamShaper_8_pruned.safetensors"}
	assert.NoError(t, cc.Check(""))
	assert.NoError(t, cc.Check("Real/DreamShaper_8_pruned.safetensors"))
	assert.ErrorIs(t, cc.Check("anime/typo.safetensors"), ErrUnknownCheckpoint)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("prompt_id", "p1").Debug("queued")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "p1", entry["prompt_id"])
	assert.Equal(t, "queued", entry["msg"])

	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLogger(LogConfig{Format: "xml"}, &buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
