/*
Package health provides post-deploy health probes for newly created
containers. The create-with-MACVLAN task runs a checker against the
task's optional health_check path once a container's IPs are attached;
an unhealthy result fails the task with reason "health check failed"
without rolling back the container (see pkg/taskengine).

Two checker kinds are available: HTTPChecker for a path on the
container's assigned address, and ExecChecker for a command run
against the Docker driver. Both satisfy the same Checker interface;
the create task only ever builds an HTTPChecker, since health_check is
always treated as an HTTP path today.
*/
package health
