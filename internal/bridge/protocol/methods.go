package protocol

// Supported provider methods (API version 1).
const (
	MethodGetAccounts     = "getAccounts"
	MethodGetChainInfo    = "getChainInfo"
	MethodGetPermissions  = "getPermissions"
	MethodRequestAccounts = "requestAccounts"
	MethodSignMessage     = "signMessage"
	MethodSignTransaction = "signTransaction"
	MethodSwitchChain     = "switchChain"
)

// ReadOnlyMethods lists the methods without side effects. Only these may be
// auto-approved.
var ReadOnlyMethods = []string{
	MethodGetAccounts,
	MethodGetChainInfo,
	MethodGetPermissions,
}

// IsReadOnly reports whether method has no side effects.
func IsReadOnly(method string) bool {
	for _, m := range ReadOnlyMethods {
		if m == method {
			return true
		}
	}
	return false
}
