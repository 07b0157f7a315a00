package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID string `json:"client_id"`
	Nodes    Graph  `json:"prompt"`
}

// GraphToPrompt wraps the graph for submission on behalf of a websocket session
func (g Graph) GraphToPrompt(clientID string) Prompt {
	return Prompt{
		ClientID: clientID,
		Nodes:    g,
	}
}
