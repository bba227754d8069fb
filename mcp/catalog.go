package mcp

// Tool names answered by the gateway itself.
const (
	ToolSessionAuthorize = "session-authorize"
	ToolSessionStatus    = "session-status"

	// Names used by earlier extension builds, still accepted.
	legacyToolSessionAuthorize = "passkey_authorize"
	legacyToolSessionStatus    = "passkey_authorization_status"
)

func emptySchema() InputSchema {
	return InputSchema{Type: "object", Properties: map[string]Property{}}
}

// Catalog returns the tools advertised by tools/list.
func Catalog() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "playwright_navigate",
			Description: "Navigate to a URL in the browser",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {Type: "string", Description: "The URL to navigate to"},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "playwright_click",
			Description: "Click an element on the page",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"selector": {Type: "string", Description: "CSS selector for the element to click"},
				},
				Required: []string{"selector"},
			},
		},
		{
			Name:        "playwright_fill",
			Description: "Fill out an input field",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"selector": {Type: "string", Description: "CSS selector for the input element"},
					"value":    {Type: "string", Description: "The text to type into the input"},
				},
				Required: []string{"selector", "value"},
			},
		},
		{
			Name:        "playwright_screenshot",
			Description: "Take a screenshot of the current page or a specific element",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"selector": {Type: "string", Description: "Optional CSS selector to screenshot a specific element"},
					"fullPage": {Type: "boolean", Description: "Whether to take a full page screenshot"},
				},
			},
		},
		{
			Name:        "playwright_detect_modal",
			Description: "Detect if a modal, popup, or overlay is present on the page",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"minZIndex":     {Type: "number", Description: "Minimum z-index to consider (default: 100)"},
					"includeHidden": {Type: "boolean", Description: "Include hidden modals (default: false)"},
					"maxResults":    {Type: "number", Description: "Maximum number of modals to detect (default: 1)"},
				},
			},
		},
		{
			Name:        "playwright_dismiss_modal",
			Description: "Attempt to dismiss any detected modals on the page",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"strategy": {
						Type:        "string",
						Enum:        []string{"auto", "button", "escape", "backdrop", "remove"},
						Description: "Dismissal strategy: auto tries all methods, button clicks dismiss button, escape presses ESC, backdrop clicks overlay, remove forcibly removes from DOM (default: auto)",
					},
					"timeout":   {Type: "number", Description: "Timeout in milliseconds (default: 5000)"},
					"waitAfter": {Type: "number", Description: "Wait time after dismissal to verify (default: 500)"},
				},
			},
		},
		{
			Name:        "passkey_enable",
			Description: "Enable or disable passkey automation for WebAuthn flows",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"enabled": {Type: "boolean", Description: "Whether to enable passkey automation"},
				},
				Required: []string{"enabled"},
			},
		},
		{
			Name:        "passkey_status",
			Description: "Get the current status of passkey automation",
			InputSchema: emptySchema(),
		},
		{
			Name:        "passkey_list",
			Description: "List all stored passkey credentials",
			InputSchema: emptySchema(),
		},
		{
			Name:        "passkey_clear",
			Description: "Clear all stored passkey credentials",
			InputSchema: emptySchema(),
		},
		{
			Name:        ToolSessionAuthorize,
			Description: "Authorize AI agent to use passkeys for a limited time",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"duration_hours": {Type: "number", Description: "Number of hours to authorize access (default: 8)"},
				},
			},
		},
		{
			Name:        ToolSessionStatus,
			Description: "Check if AI agent is currently authorized to use passkeys",
			InputSchema: emptySchema(),
		},
	}
}
