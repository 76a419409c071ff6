package domain

// MessageTemplate is the per-run message before recipient rendering.
// Text may contain {name}, {phone} and recipient variable placeholders.
type MessageTemplate struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaType string   `json:"mediaType,omitempty"` // image | audio | video | document
	FileName  string   `json:"fileName,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
	List      *List    `json:"list,omitempty"`
}

// IsZero reports a template with nothing to send.
func (t MessageTemplate) IsZero() bool {
	return t.Text == "" && t.MediaURL == "" && len(t.Buttons) == 0 && t.List == nil
}

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type List struct {
	ButtonText string        `json:"buttonText,omitempty"`
	Sections   []ListSection `json:"sections"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentAudio    ContentKind = "audio"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
	ContentButtons  ContentKind = "buttons"
	ContentList     ContentKind = "list"
)

// Content is a rendered, channel-shaped outbound message. Backends switch on
// Kind only.
type Content struct {
	Kind     ContentKind
	Text     string // body, or caption for media
	MediaURL string
	FileName string
	Buttons  []Button
	List     *List
}
