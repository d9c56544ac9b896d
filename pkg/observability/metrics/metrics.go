package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/docsupply/platform/pkg/common/models"
)

var (
	submissions           atomic.Int64
	transitionsPending    atomic.Int64
	transitionsProcessing atomic.Int64
	transitionsAccepted   atomic.Int64
	transitionsRejected   atomic.Int64
	transitionConflicts   atomic.Int64
	mirrorSyncFailures    atomic.Int64
	notificationFailures  atomic.Int64
	solicitationsLinked   atomic.Int64
	dispatchFailures      atomic.Int64
	reconcileRepaired     atomic.Int64
	reconcileMissingOwner atomic.Int64
	reconcileOrphans      atomic.Int64
)

func IncSubmission() { submissions.Add(1) }

func ObserveTransition(status models.Status) {
	switch status {
	case models.StatusPending:
		transitionsPending.Add(1)
	case models.StatusProcessing:
		transitionsProcessing.Add(1)
	case models.StatusAccepted:
		transitionsAccepted.Add(1)
	case models.StatusRejected:
		transitionsRejected.Add(1)
	}
}

func IncTransitionConflict() { transitionConflicts.Add(1) }

func IncMirrorSyncFailure() { mirrorSyncFailures.Add(1) }

func IncNotificationFailure() { notificationFailures.Add(1) }

func ObserveSolicitation(linked, failed int) {
	solicitationsLinked.Add(int64(linked))
	dispatchFailures.Add(int64(failed))
}

// ObserveReconcile records the outcome of the latest reconciliation pass.
// Repairs accumulate; missing owners and orphans are gauges.
func ObserveReconcile(repaired, missingOwners, orphans int) {
	reconcileRepaired.Add(int64(repaired))
	reconcileMissingOwner.Store(int64(missingOwners))
	reconcileOrphans.Store(int64(orphans))
}

func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP docsupply_requests_submitted_total Document requests submitted.\n")
	fmt.Fprintf(w, "# TYPE docsupply_requests_submitted_total counter\n")
	fmt.Fprintf(w, "docsupply_requests_submitted_total %d\n", submissions.Load())

	fmt.Fprintf(w, "# HELP docsupply_transitions_total Committed status transitions by target status.\n")
	fmt.Fprintf(w, "# TYPE docsupply_transitions_total counter\n")
	fmt.Fprintf(w, "docsupply_transitions_total{status=\"pending\"} %d\n", transitionsPending.Load())
	fmt.Fprintf(w, "docsupply_transitions_total{status=\"processing\"} %d\n", transitionsProcessing.Load())
	fmt.Fprintf(w, "docsupply_transitions_total{status=\"accepted\"} %d\n", transitionsAccepted.Load())
	fmt.Fprintf(w, "docsupply_transitions_total{status=\"rejected\"} %d\n", transitionsRejected.Load())

	fmt.Fprintf(w, "# HELP docsupply_transition_conflicts_total Transitions refused because of a concurrent writer.\n")
	fmt.Fprintf(w, "# TYPE docsupply_transition_conflicts_total counter\n")
	fmt.Fprintf(w, "docsupply_transition_conflicts_total %d\n", transitionConflicts.Load())

	fmt.Fprintf(w, "# HELP docsupply_mirror_sync_failures_total Ledger commits whose mirror update failed.\n")
	fmt.Fprintf(w, "# TYPE docsupply_mirror_sync_failures_total counter\n")
	fmt.Fprintf(w, "docsupply_mirror_sync_failures_total %d\n", mirrorSyncFailures.Load())

	fmt.Fprintf(w, "# HELP docsupply_notification_failures_total Notifications the gateway refused.\n")
	fmt.Fprintf(w, "# TYPE docsupply_notification_failures_total counter\n")
	fmt.Fprintf(w, "docsupply_notification_failures_total %d\n", notificationFailures.Load())

	fmt.Fprintf(w, "# HELP docsupply_solicitations_linked_total Library solicitation links recorded.\n")
	fmt.Fprintf(w, "# TYPE docsupply_solicitations_linked_total counter\n")
	fmt.Fprintf(w, "docsupply_solicitations_linked_total %d\n", solicitationsLinked.Load())

	fmt.Fprintf(w, "# HELP docsupply_solicitation_dispatch_failures_total Solicitation emails that failed.\n")
	fmt.Fprintf(w, "# TYPE docsupply_solicitation_dispatch_failures_total counter\n")
	fmt.Fprintf(w, "docsupply_solicitation_dispatch_failures_total %d\n", dispatchFailures.Load())

	fmt.Fprintf(w, "# HELP docsupply_reconcile_repaired_total Mirror entries re-projected from the ledger.\n")
	fmt.Fprintf(w, "# TYPE docsupply_reconcile_repaired_total counter\n")
	fmt.Fprintf(w, "docsupply_reconcile_repaired_total %d\n", reconcileRepaired.Load())

	fmt.Fprintf(w, "# HELP docsupply_reconcile_missing_owners Ledger rows without a mirror owner in the latest pass.\n")
	fmt.Fprintf(w, "# TYPE docsupply_reconcile_missing_owners gauge\n")
	fmt.Fprintf(w, "docsupply_reconcile_missing_owners %d\n", reconcileMissingOwner.Load())

	fmt.Fprintf(w, "# HELP docsupply_reconcile_orphaned_attachments Stored attachments no ledger row references.\n")
	fmt.Fprintf(w, "# TYPE docsupply_reconcile_orphaned_attachments gauge\n")
	fmt.Fprintf(w, "docsupply_reconcile_orphaned_attachments %d\n", reconcileOrphans.Load())
}
