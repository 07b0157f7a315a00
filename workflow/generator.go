package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/graphapi"
	"github.com/comfygen/comfygen/metrics"
)

// Kind names a workflow
type Kind string

const (
	KindText2Img     Kind = "text2img"
	KindText2ImgPlus Kind = "text2img_plus"
	KindImg2Img      Kind = "img2img"
	KindUpscale      Kind = "upscale"
)

var (
	// ErrNoImages means the job completed without any decodable output image
	ErrNoImages = errors.New("no images produced")
	// ErrUnknownWorkflow means the requested workflow kind is not configured
	ErrUnknownWorkflow = errors.New("workflow not configured")
)

// progressBuffer is the number of progress events held for a slow status sink
const progressBuffer = 64

// DefaultStatusGrace is how long a finished job waits for pending status deliveries
const DefaultStatusGrace = time.Second

// MaxSeed bounds the random seeds drawn for a job
const MaxSeed = 999999999999999

// text-to-image defaults for parameters left unset
const (
	DefaultSteps     = 25
	DefaultCFG       = 7.0
	DefaultSampler   = "dpmpp_2m"
	DefaultScheduler = "karras"
)

// Workflow is the configuration of one workflow kind
type Workflow struct {
	Template string
	Roles    graphapi.RoleMapping
}

type template struct {
	graph graphapi.Graph
	roles graphapi.RoleMapping
}

// Params are the runtime parameters of a request.  Zero values mean unset.
type Params struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	Checkpoint     string
	// Seed is drawn at random in [1, MaxSeed] when zero
	Seed int64
}

// Generator runs workflow kinds against the backend.  Templates are loaded
// once and cloned for every request, so a Generator is safe for concurrent use.
type Generator struct {
	client        *client.ComfyClient
	templates     map[Kind]*template
	seamFixNode   string
	jobTimeout    time.Duration
	statusTimeout time.Duration
	statusGrace   time.Duration
	log           logrus.FieldLogger
	metrics       *metrics.Registry
	seed          func() int64
}

type Option func(*Generator)

func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Generator) {
		g.log = l
	}
}

func WithMetrics(r *metrics.Registry) Option {
	return func(g *Generator) {
		g.metrics = r
	}
}

// WithSeamFixNode sets the tiled upscale sampler node the seam fix policy applies to
func WithSeamFixNode(id string) Option {
	return func(g *Generator) {
		g.seamFixNode = id
	}
}

// WithJobTimeout bounds every request; zero leaves it to the caller's context
func WithJobTimeout(d time.Duration) Option {
	return func(g *Generator) {
		g.jobTimeout = d
	}
}

// WithStatusTimeouts bounds each status delivery by perStatus and the wait for
// outstanding deliveries at the end of a job by grace.  Non-positive values
// keep the defaults.
func WithStatusTimeouts(perStatus, grace time.Duration) Option {
	return func(g *Generator) {
		if perStatus > 0 {
			g.statusTimeout = perStatus
		}
		if grace > 0 {
			g.statusGrace = grace
		}
	}
}

// WithSeedSource replaces the random seed source
func WithSeedSource(fn func() int64) Option {
	return func(g *Generator) {
		g.seed = fn
	}
}

func randomSeed() int64 {
	return rand.Int63n(MaxSeed) + 1
}

// NewGenerator loads the template of every configured workflow.  A missing or
// invalid template is an error.
func NewGenerator(c *client.ComfyClient, workflows map[Kind]Workflow, opts ...Option) (*Generator, error) {
	g := &Generator{
		client:        c,
		templates:     make(map[Kind]*template),
		seamFixNode:   "6",
		statusTimeout: DefaultStatusTimeout,
		statusGrace:   DefaultStatusGrace,
		log:           logrus.StandardLogger(),
		metrics:       c.Metrics(),
		seed:          randomSeed,
	}
	for _, opt := range opts {
		opt(g)
	}

	for kind, w := range workflows {
		graph, err := graphapi.LoadTemplate(w.Template)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", kind, err)
		}
		roles := w.Roles
		if roles == nil {
			roles = graphapi.RoleMapping{}
		}
		g.templates[kind] = &template{graph: graph, roles: roles}
		g.log.WithFields(logrus.Fields{
			"workflow": kind,
			"template": w.Template,
			"nodes":    len(graph),
		}).Debug("template loaded")
	}
	return g, nil
}

// Configured reports whether kind has a template
func (g *Generator) Configured(kind Kind) bool {
	_, ok := g.templates[kind]
	return ok
}

func (g *Generator) prepare(kind Kind) (graphapi.Graph, graphapi.RoleMapping, error) {
	t, ok := g.templates[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, kind)
	}
	return t.graph.Clone(), t.roles, nil
}

func (g *Generator) seedFor(p Params) int64 {
	if p.Seed > 0 {
		return p.Seed
	}
	return g.seed()
}

// Generate runs the text-to-image workflow
func (g *Generator) Generate(ctx context.Context, p Params, sink StatusSink) ([]image.Image, error) {
	return g.textToImage(ctx, KindText2Img, p, sink)
}

// GeneratePlus runs the text-to-image workflow with detailers
func (g *Generator) GeneratePlus(ctx context.Context, p Params, sink StatusSink) ([]image.Image, error) {
	return g.textToImage(ctx, KindText2ImgPlus, p, sink)
}

func (g *Generator) textToImage(ctx context.Context, kind Kind, p Params, sink StatusSink) ([]image.Image, error) {
	graph, roles, err := g.prepare(kind)
	if err != nil {
		return nil, err
	}

	if p.Steps <= 0 {
		p.Steps = DefaultSteps
	}
	if p.CFG <= 0 {
		p.CFG = DefaultCFG
	}
	if p.Sampler == "" {
		p.Sampler = DefaultSampler
	}
	if p.Scheduler == "" {
		p.Scheduler = DefaultScheduler
	}

	roles.Bind(graph, graphapi.RolePrompt, p.Prompt, false)
	roles.Bind(graph, graphapi.RoleClipSkip, graphapi.ClipSkipFor(p.Checkpoint), false)
	// an empty negative prompt clears whatever the template carries
	roles.Bind(graph, graphapi.RoleNegativePrompt, p.NegativePrompt, false)
	roles.Bind(graph, graphapi.RoleSteps, p.Steps, false)
	roles.Bind(graph, graphapi.RoleCFG, p.CFG, true)
	if p.Checkpoint != "" {
		roles.Bind(graph, graphapi.RoleCheckpoint, p.Checkpoint, false)
	}
	roles.Bind(graph, graphapi.RoleSampler, p.Sampler, false)
	roles.Bind(graph, graphapi.RoleScheduler, p.Scheduler, false)
	roles.Bind(graph, graphapi.RoleSeed, g.seedFor(p), false)

	return g.images(ctx, kind, graph, sink)
}

// Alternatives runs the image-to-image workflow on src.  Steps, cfg and the
// sampler pair are bound only when set; otherwise the template's values stay.
func (g *Generator) Alternatives(ctx context.Context, src image.Image, p Params, sink StatusSink) ([]image.Image, error) {
	graph, roles, err := g.prepare(KindImg2Img)
	if err != nil {
		return nil, err
	}
	name, err := g.upload(ctx, src)
	if err != nil {
		return nil, err
	}

	g.bindSource(graph, roles, p, name)
	if p.Steps > 0 {
		roles.Bind(graph, graphapi.RoleSteps, p.Steps, false)
	}
	if p.CFG > 0 {
		roles.Bind(graph, graphapi.RoleCFG, p.CFG, true)
	}
	if p.Sampler != "" && p.Scheduler != "" {
		roles.Bind(graph, graphapi.RoleSampler, p.Sampler, false)
		roles.Bind(graph, graphapi.RoleScheduler, p.Scheduler, false)
	}

	return g.images(ctx, KindImg2Img, graph, sink)
}

// Upscale runs the upscale workflow on src and returns the first image
func (g *Generator) Upscale(ctx context.Context, src image.Image, p Params, sink StatusSink) (image.Image, error) {
	graph, roles, err := g.prepare(KindUpscale)
	if err != nil {
		return nil, err
	}
	name, err := g.upload(ctx, src)
	if err != nil {
		return nil, err
	}

	g.bindSource(graph, roles, p, name)
	roles.Bind(graph, graphapi.RoleUpscaleModel, graphapi.UpscaleModelFor(p.Checkpoint), false)
	if fix, ok := graph.ApplySeamFix(g.seamFixNode); ok {
		g.log.WithFields(logrus.Fields{
			"node":      g.seamFixNode,
			"seam_mode": fix.Mode,
		}).Debug("seam fix applied")
	} else {
		g.log.WithField("node", g.seamFixNode).Debug("seam fix node not in graph")
	}

	imgs, err := g.images(ctx, KindUpscale, graph, sink)
	if err != nil {
		return nil, err
	}
	return imgs[0], nil
}

// bindSource binds the parameters shared by the image-to-image and upscale workflows
func (g *Generator) bindSource(graph graphapi.Graph, roles graphapi.RoleMapping, p Params, uploaded string) {
	roles.Bind(graph, graphapi.RolePrompt, p.Prompt, false)
	roles.Bind(graph, graphapi.RoleNegativePrompt, p.NegativePrompt, false)
	roles.Bind(graph, graphapi.RoleSeed, g.seedFor(p), false)
	roles.Bind(graph, graphapi.RoleSourceImage, uploaded, false)
	if p.Checkpoint != "" {
		roles.Bind(graph, graphapi.RoleCheckpoint, p.Checkpoint, false)
	}
	roles.Bind(graph, graphapi.RoleClipSkip, graphapi.ClipSkipFor(p.Checkpoint), false)
}

func (g *Generator) upload(ctx context.Context, src image.Image) (string, error) {
	if src == nil {
		return "", errors.New("source image is required")
	}
	filename := fmt.Sprintf("comfygen_%s.png", uuid.New().String())
	return g.client.UploadImage(ctx, src, filename, client.UploadOptions{Type: client.InputImageType})
}

// awaitRelay gives the relay up to the status grace period to finish, then
// cancels whatever delivery is still pending.
func (g *Generator) awaitRelay(relayed <-chan struct{}, stop context.CancelFunc) {
	timer := time.NewTimer(g.statusGrace)
	defer timer.Stop()
	select {
	case <-relayed:
	case <-timer.C:
		stop()
		<-relayed
	}
}

func (g *Generator) images(ctx context.Context, kind Kind, graph graphapi.Graph, sink StatusSink) ([]image.Image, error) {
	arts, err := g.Run(ctx, kind, graph, sink)
	if err != nil {
		return nil, err
	}
	imgs := make([]image.Image, len(arts))
	for i, a := range arts {
		imgs[i] = a.Image
	}
	return imgs, nil
}

// Run submits an already bound graph and follows it to completion: it opens a
// session, enqueues the graph, relays progress to sink and collects the
// selected artifacts.  An empty collection is ErrNoImages.
func (g *Generator) Run(ctx context.Context, kind Kind, graph graphapi.Graph, sink StatusSink) (arts []client.Artifact, err error) {
	if g.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	g.metrics.JobsInFlight.Inc()
	defer func() {
		g.metrics.JobsInFlight.Dec()
		result := "success"
		if err != nil {
			result = "error"
		}
		g.metrics.RecordJob(string(kind), result, time.Since(start))
	}()

	sess, err := g.client.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	job, err := g.client.QueuePrompt(ctx, graph, sess.ID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordSubmit(string(kind))
	log := g.log.WithFields(logrus.Fields{
		"workflow":  kind,
		"prompt_id": job.PromptID,
		"session":   sess.ID,
	})
	log.Info("job queued")

	events := make(chan client.Progress, progressBuffer)
	relay := NewRelay(sink, g.statusTimeout, log, g.metrics)
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		relay.Run(relayCtx, events)
	}()

	mon := g.client.NewMonitor(sess, job, graph)
	err = mon.Run(ctx, events)
	if err == nil {
		// the relay catches up on its own while the outputs are fetched
		arts, err = g.client.CollectArtifacts(ctx, job.PromptID)
	}
	g.awaitRelay(relayed, stopRelay)
	if dropped := relay.Dropped() + mon.Dropped(); dropped > 0 {
		log.WithField("dropped", dropped).Warn("some status updates were not delivered")
	}
	if err != nil {
		log.WithError(err).Error("job failed")
		return nil, err
	}
	if len(arts) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNoImages, job.PromptID)
	}
	log.WithFields(logrus.Fields{
		"images":   len(arts),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("job completed")
	return arts, nil
}
