package master

import "minigfs/internal/gfs"

// selectReplicas picks up to factor distinct chunkserver ids from alive
// ChunkServers, preferring distinct rack ids for fault independence before
// falling back to any remaining alive server. The caller supplies ids in
// whatever order state.aliveChunkservers returned; selection only needs to
// be stable across repeated calls with the same underlying chunkserver
// directory, which holds because allocateChunk is only invoked once per
// (path, chunk_index) — subsequent calls short-circuit on the existing
// handle before placement runs again.
func selectReplicas(chunkservers map[string]*gfs.ChunkServerInfo, aliveIDs []string, factor int) []string {
	if factor > len(aliveIDs) {
		factor = len(aliveIDs)
	}
	if factor == 0 {
		return nil
	}

	byRack := make(map[string][]string)
	for _, id := range aliveIDs {
		rack := chunkservers[id].RackID
		byRack[rack] = append(byRack[rack], id)
	}

	var chosen []string
	chosenSet := make(map[string]struct{})

	for len(chosen) < factor {
		progressed := false
		for rack, ids := range byRack {
			if len(chosen) >= factor {
				break
			}
			for i, id := range ids {
				if _, used := chosenSet[id]; used {
					continue
				}
				chosen = append(chosen, id)
				chosenSet[id] = struct{}{}
				byRack[rack] = ids[i+1:]
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
	}

	// Fill any remaining slots from any alive server not already chosen.
	for _, id := range aliveIDs {
		if len(chosen) >= factor {
			break
		}
		if _, used := chosenSet[id]; used {
			continue
		}
		chosen = append(chosen, id)
		chosenSet[id] = struct{}{}
	}

	return chosen
}
