// Package notifier pushes run summaries to operators. The interface is
// deliberately tiny so callers never import a concrete transport.
package notifier

// TextNotifier 发送一段纯文本通知。
type TextNotifier interface {
	SendText(text string) error
}
