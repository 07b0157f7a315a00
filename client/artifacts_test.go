package client_test

import (
	"context"
	"encoding/json"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/client/comfytest"
)

func out(name string) comfytest.Output {
	return comfytest.Output{Filename: name, Type: "output"}
}

func TestCollectArtifactsMarkers(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.Outputs = []comfytest.NodeOutput{
		{NodeID: "12", Images: []comfytest.Output{out("step1_00001_.png")}},
		{NodeID: "9", Images: []comfytest.Output{out("final_output_2_00001_.png")}},
		{NodeID: "15", Images: []comfytest.Output{out("debug_00001_.png")}},
	}
	fake.Files["step1_00001_.png"] = comfytest.PNG(2, 2, color.Black)
	fake.Files["final_output_2_00001_.png"] = comfytest.PNG(4, 4, color.White)
	fake.Files["debug_00001_.png"] = comfytest.PNG(2, 2, color.Black)
	c, reg := newTestClient(t, fake)

	arts, err := c.CollectArtifacts(context.Background(), "prompt-1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "final_output_2_00001_.png", arts[0].Filename)
	assert.Equal(t, "9", arts[0].NodeID)
	assert.Equal(t, "png", arts[0].Format)
	assert.Equal(t, 4, arts[0].Image.Bounds().Dx())
	assert.Equal(t, float64(1), counterValue(t, reg.ArtifactsTotal.WithLabelValues("selected")))
	assert.Equal(t, float64(2), counterValue(t, reg.ArtifactsTotal.WithLabelValues("ignored")))
}

func TestCollectArtifactsKeepsDeclarationOrder(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	names := []string{"upscaled_b.png", "final_output_a.png", "output_c.png", "upscaled_d.png", "output_e.png"}
	fake.Outputs = []comfytest.NodeOutput{
		{NodeID: "20", Images: []comfytest.Output{out(names[0]), out(names[1])}},
		{NodeID: "3", Images: []comfytest.Output{out(names[2]), out(names[3]), out(names[4])}},
	}
	for _, n := range names {
		fake.Files[n] = comfytest.PNG(1, 1, color.White)
	}
	c, _ := newTestClient(t, fake)

	arts, err := c.CollectArtifacts(context.Background(), "prompt-1")
	require.NoError(t, err)
	var got []string
	for _, a := range arts {
		got = append(got, a.Filename)
	}
	assert.Equal(t, names, got)
}

func TestCollectArtifactsWithoutMarkers(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.Outputs = []comfytest.NodeOutput{
		{NodeID: "5", Images: []comfytest.Output{out("broken.png"), out("ComfyUI_00001_.png"), out("ComfyUI_00002_.png")}},
	}
	fake.Files["broken.png"] = []byte("not an image")
	fake.Files["ComfyUI_00001_.png"] = comfytest.PNG(3, 3, color.White)
	fake.Files["ComfyUI_00002_.png"] = comfytest.PNG(3, 3, color.Black)
	c, reg := newTestClient(t, fake)

	arts, err := c.CollectArtifacts(context.Background(), "prompt-1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "ComfyUI_00001_.png", arts[0].Filename)
	assert.Equal(t, float64(1), counterValue(t, reg.ArtifactsTotal.WithLabelValues("decode_failed")))
}

func TestCollectArtifactsSkipsFailedFetch(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.Outputs = []comfytest.NodeOutput{
		{NodeID: "9", Images: []comfytest.Output{out("final_output_missing.png"), out("final_output_ok.png")}},
	}
	fake.Files["final_output_ok.png"] = comfytest.PNG(1, 1, color.White)
	c, _ := newTestClient(t, fake)

	arts, err := c.CollectArtifacts(context.Background(), "prompt-1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "final_output_ok.png", arts[0].Filename)
}

func TestCollectArtifactsEmpty(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	fake.Outputs = []comfytest.NodeOutput{}
	c, _ := newTestClient(t, fake)

	arts, err := c.CollectArtifacts(context.Background(), "prompt-1")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestCollectArtifactsHistoryMissing(t *testing.T) {
	fake := comfytest.NewServer()
	defer fake.Close()
	c, _ := newTestClient(t, fake)

	_, err := c.CollectArtifacts(context.Background(), "prompt-1")
	assert.ErrorIs(t, err, client.ErrHistoryMissing)
}

func TestNodeOutputsOrder(t *testing.T) {
	var h client.HistoryItem
	err := json.Unmarshal([]byte(`{"outputs": {"20": {"images": [{"filename": "b.png", "subfolder": "", "type": "output"}]}, "3": {"images": [{"filename": "a.png", "subfolder": "x", "type": "temp"}], "text": ["ignored"]}, "7": {}}}`), &h)
	require.NoError(t, err)

	require.Len(t, h.Outputs, 3)
	assert.Equal(t, "20", h.Outputs[0].NodeID)
	assert.Equal(t, "3", h.Outputs[1].NodeID)
	assert.Equal(t, "7", h.Outputs[2].NodeID)

	imgs := h.Images()
	require.Len(t, imgs, 2)
	assert.Equal(t, "b.png", imgs[0].Filename)
	assert.Equal(t, "x", imgs[1].Subfolder)

	var empty client.HistoryItem
	require.NoError(t, json.Unmarshal([]byte(`{"outputs": null}`), &empty))
	assert.Empty(t, empty.Images())
}

func TestHasOutputMarker(t *testing.T) {
	assert.True(t, client.HasOutputMarker("final_output_00001_.png"))
	assert.True(t, client.HasOutputMarker("img_upscaled.png"))
	assert.True(t, client.HasOutputMarker("ComfyUI_output.png"))
	assert.False(t, client.HasOutputMarker("ComfyUI_00001_.png"))
}
