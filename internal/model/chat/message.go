package chat

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is a single turn inside a session. Bot message text is mutable
// while the model reply is still streaming; user messages are final on
// append. Image carries an optional base64 still (camera capture).
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
	Image  string `json:"image,omitempty"`
}

// GreetingID is the fixed id of the greeting every session opens with.
// The model gateway uses it to keep the greeting out of request history.
const GreetingID = "greeting"

// GreetingText is the canonical opening line of a fresh session.
const GreetingText = "Hello! I'm your multimodal AI assistant. You can chat with me, talk to me, or show me images. How can I help you today?"

// Greeting returns the initial bot message for a new session.
func Greeting() Message {
	return Message{
		ID:     GreetingID,
		Text:   GreetingText,
		Sender: SenderBot,
	}
}
