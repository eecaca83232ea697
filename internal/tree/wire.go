package tree

// Wire is the FullGameState payload delivered with session:granted and
// game:state broadcasts.
type Wire struct {
	GameID             string              `json:"game_id"`
	Title              string              `json:"title"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at"`
	InitialSFEN        string              `json:"initial_sfen"`
	RootNodeID         string              `json:"root_node_id"`
	CurrentNodeID      string              `json:"current_node_id"`
	CurrentSFEN        string              `json:"current_position_sfen"`
	Meta               map[string]string   `json:"meta"`
	UIState            UIState             `json:"ui_state"`
	Nodes              []*Node             `json:"nodes"`
	ChildrenIndex      map[string][]string `json:"children_index"`
	CurrentPathNodeIDs []string            `json:"current_path_node_ids"`
	CurrentPathMoves   []string            `json:"current_path_moves"`
}

// Wire builds the full snapshot of the game for broadcast.
func (g *Game) Wire() *Wire {
	childrenIndex := map[string][]string{}
	for _, n := range g.Nodes {
		if n.ParentID == "" {
			continue
		}
		if _, ok := childrenIndex[n.ParentID]; ok {
			continue
		}
		ids := []string{}
		for _, child := range g.Children(n.ParentID) {
			ids = append(ids, child.ID)
		}
		childrenIndex[n.ParentID] = ids
	}

	pathIDs := []string{}
	pathMoves := []string{}
	if path, err := g.PathTo(g.CurrentNodeID); err == nil {
		for _, n := range path {
			pathIDs = append(pathIDs, n.ID)
			if n.MoveUSI != "" {
				pathMoves = append(pathMoves, n.MoveUSI)
			}
		}
	}

	return &Wire{
		GameID:             g.ID,
		Title:              g.Title,
		CreatedAt:          g.CreatedAt,
		UpdatedAt:          g.UpdatedAt,
		InitialSFEN:        g.InitialSFEN,
		RootNodeID:         g.RootNodeID,
		CurrentNodeID:      g.CurrentNodeID,
		CurrentSFEN:        g.CurrentSFEN(),
		Meta:               g.Meta,
		UIState:            g.UIState,
		Nodes:              g.SortedNodes(),
		ChildrenIndex:      childrenIndex,
		CurrentPathNodeIDs: pathIDs,
		CurrentPathMoves:   pathMoves,
	}
}
