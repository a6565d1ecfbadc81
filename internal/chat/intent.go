package chat

import "strings"

type Intent string

const (
	IntentHelp     Intent = "help"
	IntentSchema   Intent = "schema"
	IntentClear    Intent = "clear"
	IntentSuggest  Intent = "suggest"
	IntentQuestion Intent = "question"
)

// ParseIntent recognises the commands with or without a leading slash.
// Anything else is a question.
func ParseIntent(message string) Intent {
	word := strings.ToLower(strings.TrimSpace(message))
	word = strings.TrimPrefix(word, "/")
	switch word {
	case "help", "?":
		return IntentHelp
	case "schema":
		return IntentSchema
	case "clear", "reset":
		return IntentClear
	case "suggest", "suggestions", "examples":
		return IntentSuggest
	default:
		return IntentQuestion
	}
}

const helpText = `Ask a question about your data in plain language, for example:
  - Show me the top 10 customers by total spent
  - How many click events happened yesterday?

Commands:
  /schema   show the tables and collections that can be queried
  /suggest  list example questions for the connected databases
  /clear    forget the conversation so far
  /help     show this message

Only read queries are run, and results are capped.`
