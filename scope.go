package keyguard

import "strconv"

// A scope key identifies what a permission rule applies to: a bare method
// name, a method narrowed by event kind, or a method narrowed by the
// counterparty of an encryption operation.

// MethodScope is the scope key for a plain method.
func MethodScope(method string) string { return method }

// SignEventScope narrows sign_event to one event kind, e.g. "sign_event:1".
func SignEventScope(kind int) string {
	return string(RequestSignEvent) + ":" + strconv.Itoa(kind)
}

// CipherScope narrows an encryption or decryption method to one third-party
// pubkey, e.g. "nip44_encrypt:<pubkey>".
func CipherScope(method RequestType, thirdPartyPubKey string) string {
	return string(method) + ":" + thirdPartyPubKey
}
