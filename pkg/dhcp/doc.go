/*
Package dhcp allocates IPv4 addresses for cluster members from a fixed /24
pool.

The pool is rebuilt at startup from the node table — mask.254 down to
mask.2, minus in-use and reserved addresses. Probing is best-effort leak
prevention: an address that answers an ICMP echo is assumed live through
some untracked path and is never handed out, whether found at init or on
return.
*/
package dhcp
