package connectionmanager

// normalTiers is the retry ladder used for ordinary transient failures.
var normalTiers = []int{250, 500, 1000, 2000, 4000, 8000, 10000}

// slowTiers is reserved for a server-signalled rate limit: a peer
// that's been told to back off harder switches to this ladder until it
// reconnects successfully and its backoff resets.
var slowTiers = []int{2000, 30000, 60000, 300000}

func tiersFor(useSlow bool) []int {
	if useSlow {
		return slowTiers
	}
	return normalTiers
}

// advanceBackoff picks the first tier strictly greater than current,
// capping at the ladder's last entry.
func advanceBackoff(tiers []int, current int) int {
	for _, t := range tiers {
		if t > current {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// resetBackoff sets the sentinel one below the first tier, so the next
// advance still yields exactly the first tier.
func resetBackoff(tiers []int) int {
	return tiers[0] - 1
}
