// Package connection implements the realtime transport.
//
// The Manager:
//   - Holds one websocket session per signed-in user
//   - Speaks either the pub/sub channel protocol or the socket event protocol
//   - Authorizes private rooms before a subscription counts as active
//   - Reconnects with exponential backoff and restores the joined room set
//   - Hands decoded event frames to the event router
package connection
