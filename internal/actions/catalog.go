package actions

// Spec is the catalog entry for an action: what it does, what it
// needs, and a working example. Authoring surfaces serve these so a
// workflow author never has to guess parameter names.
type Spec struct {
	Type        string         `json:"type"`
	Operation   string         `json:"operation"`
	Mode        Mode           `json:"mode"`
	Description string         `json:"description"`
	Required    []ParamSpec    `json:"required,omitempty"`
	Optional    []ParamSpec    `json:"optional,omitempty"`
	Example     map[string]any `json:"example,omitempty"`
}

// ParamSpec documents a single action parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func param(name, typ, desc string) ParamSpec {
	return ParamSpec{Name: name, Type: typ, Description: desc}
}
