package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotify = "org.freedesktop.Notifications.Notify"
)

// caller is the slice of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBusNotifier sends desktop notifications over the session bus.
type DBusNotifier struct {
	obj     caller
	appName string
	expire  int32 // ms, -1 = server default
}

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier(appName string) (*DBusNotifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return newDBusNotifier(conn.Object(notificationsDest, notificationsPath), appName), nil
}

func newDBusNotifier(obj caller, appName string) *DBusNotifier {
	return &DBusNotifier{obj: obj, appName: appName, expire: -1}
}

// Notify calls org.freedesktop.Notifications.Notify.
func (n *DBusNotifier) Notify(ctx context.Context, msg Message) error {
	call := n.obj.CallWithContext(ctx, notificationsNotify, 0,
		n.appName,                 // app_name
		uint32(0),                 // replaces_id
		"",                        // app_icon
		msg.Title,                 // summary
		msg.Body,                  // body
		[]string{},                // actions
		map[string]dbus.Variant{}, // hints
		n.expire,                  // expire_timeout
	)
	if call.Err != nil {
		return fmt.Errorf("dbus notify: %w", call.Err)
	}
	return nil
}
