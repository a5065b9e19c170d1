package resource

import (
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
)

// Snapshot renders the node as a ManagedResource. Stored children are included only
// when recursive is set; live-state children never are.
func (n *Node) Snapshot(recursive bool) *mgmtv1alpha1.ManagedResource {
	status := n.Status()
	out := &mgmtv1alpha1.ManagedResource{
		TypeMeta: metav1.TypeMeta{
			APIVersion: mgmtv1alpha1.GroupVersion.String(),
			Kind:       "ManagedResource",
		},
		ObjectMeta: metav1.ObjectMeta{Name: n.address.String()},
		Spec: mgmtv1alpha1.ManagedResourceSpec{
			Address: n.address.String(),
			Model:   n.Model().Map(),
		},
		Status: mgmtv1alpha1.ManagedResourceStatus{
			Phase:        status.Phase,
			Message:      status.Message,
			Capabilities: n.Capabilities(),
			Conditions:   status.Conditions,
		},
	}
	if ctrl := n.Controller(); ctrl != nil {
		out.Status.ServiceName = ctrl.Identity().Name
		out.Status.ServiceInstance = ctrl.Identity().Instance.String()
		out.Status.ServiceState = ctrl.State().String()
	}
	if !recursive {
		return out
	}
	for _, c := range n.StoredChildren() {
		el, _ := c.address.Last()
		if out.Spec.Children == nil {
			out.Spec.Children = make(map[string][]mgmtv1alpha1.ManagedResource)
		}
		out.Spec.Children[el.Type] = append(out.Spec.Children[el.Type], *c.Snapshot(true))
	}
	return out
}

// Equal compares the stored configuration of two subtrees. Runtime status and
// live-state children are ignored.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equality.Semantic.DeepEqual(a.Snapshot(true).Spec, b.Snapshot(true).Spec)
}
