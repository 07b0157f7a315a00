package graphapi

import (
	"strings"
)

// Role is a semantic parameter that may be carried by zero or more nodes of a graph
type Role string

const (
	RolePrompt         Role = "prompt"
	RoleNegativePrompt Role = "negative_prompt"
	RoleSteps          Role = "steps"
	RoleCFG            Role = "cfg"
	RoleCheckpoint     Role = "checkpoint"
	RoleSampler        Role = "sampler"
	RoleScheduler      Role = "scheduler"
	RoleSeed           Role = "seed"
	RoleClipSkip       Role = "clip_skip"
	RoleSourceImage    Role = "source_image"
	RoleUpscaleModel   Role = "upscale_model"
)

// roleFields is the input field each role writes when the node exposes it
var roleFields = map[Role]string{
	RolePrompt:         "text",
	RoleNegativePrompt: "text",
	RoleSteps:          "value",
	RoleCFG:            "Number",
	RoleCheckpoint:     "ckpt_name",
	RoleSampler:        "sampler_name",
	RoleScheduler:      "scheduler",
	RoleSeed:           "seed",
	RoleClipSkip:       "stop_at_last_layers",
	RoleSourceImage:    "image",
	RoleUpscaleModel:   "model_name",
}

// Field returns the primary input field of the role
func (r Role) Field() string {
	return roleFields[r]
}

// roleKeys maps the configuration keys to the roles they feed.  SAMPLER_NODES
// carries both the sampler and the scheduler.
var roleKeys = []struct {
	Key   string
	Roles []Role
}{
	{"PROMPT_NODES", []Role{RolePrompt}},
	{"NEG_PROMPT_NODES", []Role{RoleNegativePrompt}},
	{"STEPS_NODES", []Role{RoleSteps}},
	{"CFG_NODES", []Role{RoleCFG}},
	{"CHECKPOINT_NODES", []Role{RoleCheckpoint}},
	{"SAMPLER_NODES", []Role{RoleSampler, RoleScheduler}},
	{"RAND_SEED_NODES", []Role{RoleSeed}},
	{"CLIP_SKIP_NODES", []Role{RoleClipSkip}},
	{"FILE_INPUT_NODES", []Role{RoleSourceImage}},
	{"UPSCALE_MODEL_NODES", []Role{RoleUpscaleModel}},
}

// RoleKeys returns the configuration keys understood by ParseRoleMapping
func RoleKeys() []string {
	retv := make([]string, len(roleKeys))
	for i, rk := range roleKeys {
		retv[i] = rk.Key
	}
	return retv
}

// RoleMapping is the per workflow kind assignment of roles to node ids.  It is
// read-only once loaded.
type RoleMapping map[Role][]string

// ParseNodeList splits a comma separated node id list such as "89, 90"
func ParseNodeList(s string) []string {
	retv := make([]string, 0)
	for _, id := range strings.Split(s, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			retv = append(retv, id)
		}
	}
	return retv
}

// ParseRoleMapping builds a RoleMapping from configuration keys
// (PROMPT_NODES, SAMPLER_NODES, ...) to comma separated node id lists.
// Unknown keys are ignored and absent keys leave the role unmapped.
func ParseRoleMapping(nodes map[string]string) RoleMapping {
	m := RoleMapping{}
	for _, rk := range roleKeys {
		ids := ParseNodeList(nodes[rk.Key])
		if len(ids) == 0 {
			continue
		}
		for _, role := range rk.Roles {
			m[role] = ids
		}
	}
	return m
}

// Nodes returns the node ids mapped to a role
func (m RoleMapping) Nodes(role Role) []string {
	return m[role]
}

// Bind writes value into every node mapped to role
func (m RoleMapping) Bind(g Graph, role Role, value interface{}, numericAsString bool) {
	g.Bind(role, m[role], value, numericAsString)
}
