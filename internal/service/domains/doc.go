// Package domains picks the managed domain for a new mailbox and
// provisions the account.
//
// Slots are reserved with a conditional increment of current_user_count
// before the provider is called and released if provisioning fails, so a
// domain never ends up above its max_user_count.
package domains
