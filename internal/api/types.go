package api

import "github.com/rickgao/farmlink-sync/internal/model"

// notificationsPage is the data of GET /notifications.
type notificationsPage struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// grantResponse accepts both the bare and the enveloped grant body.
type grantResponse struct {
	Auth string `json:"auth"`
	Data *struct {
		Auth string `json:"auth"`
	} `json:"data"`
}
