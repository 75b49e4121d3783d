package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content string
	Error   string
}

// Config defines the configuration for a backend.
type Config struct {
	Name    string   // Tool name workers advertise, e.g. "codex"
	Command string   // Executable; defaults to Name
	Args    []string // "{prompt}" is replaced by the message; otherwise the message is appended
	Model   string
	WorkDir string
}
