package model

// Location is the last known location of the user.
type Location struct {
	Lat     float64 `json:"lat" yaml:"lat"`
	Lng     float64 `json:"lng" yaml:"lng"`
	Address string  `json:"address,omitempty" yaml:"address,omitempty"`
}

// Session is the cached user/session blob.
type Session struct {
	UserID   string    `json:"id"`
	Token    string    `json:"token"`
	Location *Location `json:"location,omitempty"`
}

// UserRoom returns the private notification room of a user.
func UserRoom(userID string) string {
	return "user_" + userID
}

// ChatRoom returns the private conversation room of an order.
func ChatRoom(orderID string) string {
	return "chat_" + orderID
}
