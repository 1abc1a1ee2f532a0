package authz

import "strings"

// Permission is the resource and action a request needs.
type Permission struct {
	Resource string
	Action   string
}

// String returns "resource:action".
func (p Permission) String() string { return p.Resource + ":" + p.Action }

// MethodPermission derives the permission a gRPC full method needs
// (e.g. /dineops.orders.v1.OrderService/ListOrders -> orders:read).
// Resource is the pluralised, lower-cased service name without the "Service" suffix.
// Get and List read; Create, Update, Delete and Revoke keep their verb; anything else
// uses the lower-cased method name.
func MethodPermission(fullMethod string) Permission {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return Permission{Resource: "unknown", Action: "unknown"}
	}
	method := fullMethod[slash+1:]
	service := fullMethod[:slash]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	} else {
		service = strings.TrimPrefix(service, "/")
	}
	return Permission{Resource: serviceResource(service), Action: methodAction(method)}
}

func serviceResource(service string) string {
	s := strings.TrimSuffix(service, "Service")
	if s == "" {
		return "unknown"
	}
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, "s") {
		s += "s"
	}
	return s
}

func methodAction(method string) string {
	switch {
	case strings.HasPrefix(method, "Get") && method != "Get",
		strings.HasPrefix(method, "List"):
		return "read"
	case strings.HasPrefix(method, "Create"):
		return "create"
	case strings.HasPrefix(method, "Update"):
		return "update"
	case strings.HasPrefix(method, "Delete"):
		return "delete"
	case strings.HasPrefix(method, "Revoke"):
		return "revoke"
	default:
		return strings.ToLower(method)
	}
}
