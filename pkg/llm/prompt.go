package llm

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a helpful assistant that answers questions based on the provided context."

// BuildPrompt lays out the retrieved contexts as numbered sources ahead of
// the query.
func BuildPrompt(query string, contexts []string) string {
	if len(contexts) == 0 {
		return fmt.Sprintf("No reference material was found. Answer the query from your own knowledge and state that no context was available.\n\nQuery: %s\n\nAnswer:", query)
	}

	var b strings.Builder
	for i, c := range contexts {
		fmt.Fprintf(&b, "Source %d:\n%s\n\n", i+1, c)
	}

	return fmt.Sprintf("Based on the following context, answer the query. If the context doesn't contain the answer, say so.\n\nContext:\n%s\nQuery: %s\n\nAnswer:", b.String(), query)
}
