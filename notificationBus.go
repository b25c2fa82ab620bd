package eventlog

import (
	"bytes"
	"encoding/json"
)

// notification is the pub/sub envelope a message may be wrapped in once.
type notification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

const notificationType = "Notification"

func wrapNotification(data []byte) ([]byte, error) {
	return json.Marshal(notification{Type: notificationType, Message: string(data)})
}

// unwrapNotification strips one envelope layer if present.
func unwrapNotification(data []byte) []byte {
	if !bytes.Contains(data, []byte(`"`+notificationType+`"`)) {
		return data
	}
	var n notification
	if err := json.Unmarshal(data, &n); err != nil || n.Type != notificationType || n.Message == "" {
		return data
	}
	return []byte(n.Message)
}
