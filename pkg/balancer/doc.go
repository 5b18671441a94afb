/*
Package balancer picks one backend instance per request from the eligible
set the registry returned.

Two policies ship:

  - Weighted P2C (default): sample two distinct instances with probability
    proportional to weight, keep the one with the lower score
    inflight + α·normalized_rtt + β·err_rate (α=0.5, β=2 by default).
    O(1) decisions; bounds worst-case load deviation.
  - Consistent hashing with bounded load: the routing key hashes onto a
    ring with R virtual nodes per instance (default 160, scaled by weight);
    owners loaded beyond factor·mean inflight (default 1.25) are skipped
    for the next distinct owner clockwise. Used for sticky routing when a
    MethodSpec names a routing key.

Policy is selected per service by the descriptor; rings are rebuilt only
when the instance snapshot version changes. Instance stats are read
atomically; decisions never block on locks held across I/O.
*/
package balancer
