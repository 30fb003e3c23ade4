// Package bot routes normalized inbound updates to the ledger and the
// broadcast session engine, and renders administrator-facing replies.
//
// This file defines the administrator menu as a tagged action enum plus a
// display-text lookup table, so control flow never compares against literal
// button labels scattered through handlers.
package bot

// menuAction identifies one administrator menu action.
type menuAction int

const (
	actionNone menuAction = iota
	actionTestBroadcast
	actionProductionBroadcast
	actionChatList
	actionBack
)

// menuLabels is the single source of truth for button display text.
// Changing a label here changes both the rendered keyboard and dispatch.
var menuLabels = map[menuAction]string{
	actionTestBroadcast:       "Test broadcast",
	actionProductionBroadcast: "Broadcast to all chats",
	actionChatList:            "Chat list",
	actionBack:                "Back",
}

// actionByLabel is the inverse lookup used when a button press arrives as
// plain message text.
var actionByLabel = func() map[string]menuAction {
	m := make(map[string]menuAction, len(menuLabels))
	for a, label := range menuLabels {
		m[label] = a
	}
	return m
}()

// actionFor resolves message text to a menu action, or actionNone.
func actionFor(text string) menuAction {
	return actionByLabel[text]
}

// menuKeyboard lays out the main menu for one administrator. The test
// broadcast row is only offered when the administrator holds the capability.
func menuKeyboard(canTest bool) [][]string {
	rows := make([][]string, 0, 3)
	if canTest {
		rows = append(rows, []string{menuLabels[actionTestBroadcast]})
	}
	rows = append(rows,
		[]string{menuLabels[actionProductionBroadcast]},
		[]string{menuLabels[actionChatList]},
	)
	return rows
}

// backKeyboard is the single-button keyboard shown under the chat list.
func backKeyboard() [][]string {
	return [][]string{{menuLabels[actionBack]}}
}
