// ABOUTME: Readiness reporting for the openvpn2dns plugin.
// ABOUTME: Satisfies the ready.Readiness interface; returns true once every instance has loaded.

package openvpn2dns

// Ready reports whether the plugin is ready to serve DNS queries.
// Once it returns true, CoreDNS will not check again.
func (o *OpenVPN2DNS) Ready() bool {
	return o.Handler != nil && o.Handler.Ready()
}
