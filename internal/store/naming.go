package store

import "strings"

// The remote store keeps one mailbox per conversation under a common root:
// "Default/<contact>" for 1:1 traffic and "Default/<chat id>" for groups.
const folderRoot = "Default/"

// FolderForContact returns the mailbox name of a 1:1 conversation.
func FolderForContact(contact string) string {
	return folderRoot + contact
}

// FolderForChat returns the mailbox name of a group conversation.
func FolderForChat(chatID string) string {
	return folderRoot + chatID
}

// ContactFromFolder recovers the conversation key from a mailbox name.
func ContactFromFolder(folder string) string {
	return strings.TrimPrefix(folder, folderRoot)
}
