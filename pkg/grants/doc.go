// Package grants stores users, roles, role assignments and the two kinds of
// permission grants: static role grants and direct per-user grants with an
// optional expiry.
//
// Expiry is never enforced by a sweeper. GetDirectGrants filters expired rows
// against the asOf time it is given, so an expired grant simply stops counting.
package grants
