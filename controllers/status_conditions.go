package controllers

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

const (
	ReasonInstalled      = "Installed"
	ReasonRestarted      = "Restarted"
	ReasonRemoved        = "Removed"
	ReasonReloadRequired = "ReloadRequired"
	ReasonReloaded       = "Reloaded"
	ReasonDeprecated     = "Deprecated"
	ReasonDegraded       = "Degraded"
	ReasonInstallFailed  = "InstallFailed"
	ReasonNoService      = "NoService"
)

// setServiceReadyCondition mirrors the state of node's controller.
func setServiceReadyCondition(node *resource.Node) {
	if node == nil {
		return
	}
	ctrl := node.Controller()
	if ctrl == nil {
		node.SetCondition(metav1.Condition{
			Type:    mgmtv1alpha1.ConditionServiceReady,
			Status:  metav1.ConditionFalse,
			Reason:  ReasonNoService,
			Message: "No service is running for this resource",
		})
		return
	}
	status := metav1.ConditionFalse
	if ctrl.State() == service.StateUp {
		status = metav1.ConditionTrue
	}
	node.SetCondition(metav1.Condition{
		Type:    mgmtv1alpha1.ConditionServiceReady,
		Status:  status,
		Reason:  ReasonInstalled,
		Message: serviceReadyMessage(ctrl),
	})
}

func setDeprecatedCondition(node *resource.Node, since, current string) {
	if node == nil {
		return
	}
	node.SetCondition(metav1.Condition{
		Type:    mgmtv1alpha1.ConditionDeprecated,
		Status:  metav1.ConditionTrue,
		Reason:  ReasonDeprecated,
		Message: fmt.Sprintf("Deprecated since model version %s (current %s)", since, current),
	})
}

// markActive clears the reload and degraded markers after a successful rebuild.
func markActive(node *resource.Node) {
	node.RemoveCondition(mgmtv1alpha1.ConditionReloadRequired)
	node.RemoveCondition(mgmtv1alpha1.ConditionDegraded)
	node.SetPhase(mgmtv1alpha1.PhaseActive, "")
	if def := node.Definition(); def != nil && def.NewService != nil {
		setServiceReadyCondition(node)
	}
}

func markDegraded(node *resource.Node, err error) {
	node.SetPhase(mgmtv1alpha1.PhaseDegraded, err.Error())
	node.SetCondition(metav1.Condition{
		Type:    mgmtv1alpha1.ConditionDegraded,
		Status:  metav1.ConditionTrue,
		Reason:  "ReloadFailed",
		Message: err.Error(),
	})
	setServiceReadyCondition(node)
}

func serviceReadyMessage(ctrl *service.Controller) string {
	id := ctrl.Identity()
	return fmt.Sprintf("Service %s (instance %s) is %s", id.Name, id.Instance, ctrl.State())
}
