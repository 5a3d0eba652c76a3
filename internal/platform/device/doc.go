// Package device connects the engine to a companion display over WebSocket.
//
// The Hub fans out notification, vibration and wake messages to every
// connected companion and turns the messages they send back (notification
// actions, swipes, power-saving changes and reported positions) into calls on
// an InboundHandler. Notifier, Vibrator and WakeLock implement the platform
// sinks on top of the hub; PushSource is a position source fed by reports.
package device
