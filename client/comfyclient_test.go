package client_test

import (
	"context"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/client/comfytest"
	"github.com/comfygen/comfygen/graphapi"
	"github.com/comfygen/comfygen/metrics"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, fake *comfytest.Server) (*client.ComfyClient, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	c, err := client.NewComfyClient(fake.Address(),
		client.WithLogger(quietLogger()),
		client.WithMetrics(reg),
		client.WithConnectRetries(1, 10*time.Millisecond, 20*time.Millisecond),
	)
	require.NoError(t, err)
	return c, reg
}

func testGraph() graphapi.Graph {
	return graphapi.Graph{
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]interface{}{"ckpt_name": "base.safetensors"}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]interface{}{"text": "a cat"}},
		"3": {ClassType: "KSampler", Inputs: map[string]interface{}{"seed": 1.0, "steps": 20.0}},
		"9": {ClassType: "SaveImage", Inputs: map[string]interface{}{"filename_prefix": "final_output"}},
	}
}

func TestNewComfyClientAddresses(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8188":          "http://127.0.0.1:8188",
		"http://comfy.local:8188/": "http://comfy.local:8188",
		"https://comfy.example":   "https://comfy.example",
	}
	for in, want := range cases {
		c, err := client.NewComfyClient(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, c.ServerAddress())
	}

	_, err := client.NewComfyClient("  ")
	assert.Error(t, err)
}

func TestQueuePrompt(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	c, _ := newTestClient(t, fake)

	job, err := c.QueuePrompt(context.Background(), testGraph(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", job.PromptID)
	assert.Equal(t, "session-1", job.SessionID)

	subs := fake.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "session-1", subs[0].ClientID)
	assert.Equal(t, "a cat", subs[0].Graph["6"].Inputs["text"])
}

func TestQueuePromptRejected(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.RejectPrompt = "Prompt outputs failed validation"
	c, _ := newTestClient(t, fake)

	_, err := c.QueuePrompt(context.Background(), testGraph(), "session-1")
	require.ErrorIs(t, err, client.ErrBackendRejected)
	assert.Contains(t, err.Error(), "Prompt outputs failed validation")
}

func TestQueuePromptUnavailable(t *testing.T) {
	fake := comfytest.NewServer()
	c, _ := newTestClient(t, fake)
	fake.Close()

	_, err := c.QueuePrompt(context.Background(), testGraph(), "session-1")
	assert.ErrorIs(t, err, client.ErrBackendUnavailable)
}

func TestGetQueue(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.Running = []string{"A", "B"}
	fake.Pending = []string{"C", "D", "E"}
	c, _ := newTestClient(t, fake)

	snap := c.GetQueue(context.Background())
	assert.Equal(t, []string{"A", "B"}, snap.Running)
	assert.Equal(t, []string{"C", "D", "E"}, snap.Pending)
}

func TestGetQueueFailsSoft(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.QueueStatus = 500
	c, _ := newTestClient(t, fake)

	snap := c.GetQueue(context.Background())
	assert.Empty(t, snap.Running)
	assert.Empty(t, snap.Pending)
}

func TestEstimatePosition(t *testing.T) {
	snap := client.QueueSnapshot{Running: []string{"A", "B"}, Pending: []string{"C", "D", "E"}}

	pos := client.EstimatePosition("D", snap)
	assert.Equal(t, client.PositionQueued, pos.State)
	assert.Equal(t, 4, pos.Place)
	assert.Equal(t, "⏳ In queue: position 4", pos.Label())

	pos = client.EstimatePosition("A", snap)
	assert.Equal(t, client.PositionRunning, pos.State)
	assert.Equal(t, "🔨 Already processing...", pos.Label())

	pos = client.EstimatePosition("Z", snap)
	assert.Equal(t, client.PositionUnknown, pos.State)
	assert.Empty(t, pos.Label())

	pos = client.EstimatePosition("C", client.QueueSnapshot{Pending: []string{"C"}})
	assert.Equal(t, 1, pos.Place)
}

func TestGetSystemStats(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	c, _ := newTestClient(t, fake)

	stats, err := c.GetSystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "posix", stats.System.OS)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, "cuda", stats.Devices[0].Type)
}

func TestUploadImage(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	c, _ := newTestClient(t, fake)

	img := solidImage(8, 8)
	name, err := c.UploadImage(context.Background(), img, "dir/source.png", client.UploadOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, "source.png", name)

	ups := fake.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "true", ups[0].Overwrite)
	assert.Empty(t, ups[0].Type)
	assert.Empty(t, ups[0].Subfolder)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, ups[0].Data[:4])
}

func TestUploadFileFromReaderOptions(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	c, _ := newTestClient(t, fake)

	_, err := c.UploadFileFromReader(context.Background(), bytesReader(comfytest.PNG(2, 2, color.White)), "in.png",
		client.UploadOptions{Type: client.InputImageType, Subfolder: "bot"})
	require.NoError(t, err)

	ups := fake.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "false", ups[0].Overwrite)
	assert.Equal(t, "input", ups[0].Type)
	assert.Equal(t, "bot", ups[0].Subfolder)
}

func TestUploadRejected(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.RejectUploads = true
	c, _ := newTestClient(t, fake)

	_, err := c.UploadImage(context.Background(), solidImage(2, 2), "x.png", client.UploadOptions{})
	assert.ErrorIs(t, err, client.ErrUploadRejected)
}
