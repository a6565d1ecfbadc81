package query

// Turn is one earlier exchange in a chat session.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
