package store

import "strings"

const snippetRadius = 32

// SearchMessages finds cached messages whose content contains query,
// newest first. sessionID narrows the search when set.
func (db *DB) SearchMessages(query, sessionID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `
		SELECT payload FROM messages
		WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Content, query)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and trims the surrounding text.
func snippet(content, query string) string {
	i := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if i < 0 || i+len(query) > len(content) {
		return content
	}
	start := max(0, i-snippetRadius)
	end := min(len(content), i+len(query)+snippetRadius)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:i])
	b.WriteString("<<")
	b.WriteString(content[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(content[i+len(query) : end])
	if end < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
