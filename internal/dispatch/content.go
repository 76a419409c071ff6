package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"dispatchd/internal/domain"
)

// ErrEmptyMessage is a recipient-level failure: the rendered message has
// nothing a channel could deliver.
var ErrEmptyMessage = errors.New("dispatch: empty message")

// Channel limits shared by WhatsApp interactive messages and the Messenger
// button template.
const (
	maxButtons     = 3
	maxButtonTitle = 20
	maxListRows    = 10
)

// Render fills {name}, {phone} and {<var>} placeholders for one recipient.
// Unknown placeholders are left untouched.
func Render(text string, r domain.Recipient) string {
	if !strings.Contains(text, "{") {
		return text
	}
	pairs := []string{"{name}", strings.TrimSpace(r.Name), "{phone}", strings.TrimSpace(r.Address)}
	keys := make([]string, 0, len(r.Vars))
	for k := range r.Vars {
		keys = append(keys, k)
	}
	// Longest keys first so {first_name} wins over {first}.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if k == "name" || k == "phone" {
			continue
		}
		pairs = append(pairs, "{"+k+"}", r.Vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// BuildContent renders tmpl for r and shapes it for ch:
//   - lists are native on WhatsApp and become numbered text elsewhere;
//   - buttons are capped at three, and become numbered caption lines when the
//     message also carries media;
//   - Instagram cannot take documents, so they are sent as a link.
func BuildContent(ch domain.Channel, tmpl domain.MessageTemplate, r domain.Recipient) (domain.Content, error) {
	text := strings.TrimSpace(Render(tmpl.Text, r))
	mediaURL := strings.TrimSpace(tmpl.MediaURL)

	switch {
	case tmpl.List != nil && listRows(tmpl.List) > 0:
		if ch == domain.ChannelWhatsApp {
			if text == "" {
				return domain.Content{}, fmt.Errorf("%w: list needs a body text", ErrEmptyMessage)
			}
			return domain.Content{Kind: domain.ContentList, Text: text, List: capList(tmpl.List)}, nil
		}
		return textContent(withOptions(text, listOptions(tmpl.List)))

	case len(tmpl.Buttons) > 0 && mediaURL == "":
		if text == "" {
			return domain.Content{}, fmt.Errorf("%w: buttons need a body text", ErrEmptyMessage)
		}
		return domain.Content{Kind: domain.ContentButtons, Text: text, Buttons: capButtons(tmpl.Buttons)}, nil

	case mediaURL != "":
		kind := mediaKind(tmpl.MediaType, mediaURL)
		caption := text
		if len(tmpl.Buttons) > 0 {
			caption = withOptions(caption, buttonOptions(tmpl.Buttons))
		}
		if ch == domain.ChannelInstagram && kind == domain.ContentDocument {
			return textContent(joinNonEmpty("\n", caption, mediaURL))
		}
		c := domain.Content{Kind: kind, Text: caption, MediaURL: mediaURL}
		if kind == domain.ContentDocument {
			c.FileName = tmpl.FileName
			if c.FileName == "" {
				c.FileName = fileName(mediaURL)
			}
		}
		return c, nil
	}
	return textContent(text)
}

func textContent(text string) (domain.Content, error) {
	if text == "" {
		return domain.Content{}, ErrEmptyMessage
	}
	return domain.Content{Kind: domain.ContentText, Text: text}, nil
}

func listRows(l *domain.List) int {
	n := 0
	for _, s := range l.Sections {
		n += len(s.Rows)
	}
	return n
}

func capList(l *domain.List) *domain.List {
	out := &domain.List{ButtonText: l.ButtonText}
	left := maxListRows
	for _, s := range l.Sections {
		if left == 0 {
			break
		}
		rows := s.Rows
		if len(rows) > left {
			rows = rows[:left]
		}
		left -= len(rows)
		if len(rows) == 0 {
			continue
		}
		out.Sections = append(out.Sections, domain.ListSection{Title: s.Title, Rows: append([]domain.ListRow(nil), rows...)})
	}
	return out
}

func capButtons(in []domain.Button) []domain.Button {
	if len(in) > maxButtons {
		in = in[:maxButtons]
	}
	out := make([]domain.Button, 0, len(in))
	for i, b := range in {
		title := truncate(strings.TrimSpace(b.Title), maxButtonTitle)
		id := strings.TrimSpace(b.ID)
		if id == "" {
			id = fmt.Sprintf("btn_%d", i+1)
		}
		out = append(out, domain.Button{ID: id, Title: title})
	}
	return out
}

func listOptions(l *domain.List) []string {
	var out []string
	for _, s := range l.Sections {
		for _, row := range s.Rows {
			line := row.Title
			if row.Description != "" {
				line += " - " + row.Description
			}
			out = append(out, line)
		}
	}
	return out
}

func buttonOptions(bs []domain.Button) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Title)
	}
	return out
}

func withOptions(text string, opts []string) string {
	lines := make([]string, 0, len(opts)+1)
	if text != "" {
		lines = append(lines, text, "")
	}
	for i, o := range opts {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, o))
	}
	return strings.Join(lines, "\n")
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// mediaKind trusts an explicit type and otherwise guesses from the URL's
// file extension.
func mediaKind(mediaType, rawURL string) domain.ContentKind {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image", "photo":
		return domain.ContentImage
	case "audio", "voice":
		return domain.ContentAudio
	case "video":
		return domain.ContentVideo
	case "document", "file":
		return domain.ContentDocument
	}
	switch strings.ToLower(path.Ext(urlPath(rawURL))) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return domain.ContentImage
	case ".mp3", ".ogg", ".opus", ".m4a", ".aac", ".amr":
		return domain.ContentAudio
	case ".mp4", ".mov", ".3gp", ".webm":
		return domain.ContentVideo
	}
	return domain.ContentDocument
}

func fileName(rawURL string) string {
	base := path.Base(urlPath(rawURL))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
