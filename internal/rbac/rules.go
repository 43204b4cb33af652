package rbac

// Default policy for the sync API. Operators run and cancel syncs; viewers
// only read job state; admin holds everything including exports.
var RolePermissions = map[string][]string{
	"viewer": {
		"sync:read",
	},
	"operator": {
		"sync:read",
		"sync:preview",
		"sync:start",
		"sync:cancel",
	},
	"admin": {
		"*", // everything
	},
}
