package state

// migrate brings a session decoded from an older schema forward to
// SchemaVersion. Each step upgrades exactly one version; the chain runs
// before any writer observes the session.
func migrate(s *Session) {
	for s.Schema < SchemaVersion {
		switch s.Schema {
		case 0, 1:
			migrateV1toV2(s)
			s.Schema = 2
		default:
			// Unknown intermediate version: normalize and stop.
			s.Schema = SchemaVersion
		}
	}
}

// migrateV1toV2 backfills the fields added in schema 2: the persisted ASR
// replay cursors, binding provenance, and the dense event counter.
func migrateV1toV2(s *Session) {
	if s.Cursors == nil {
		s.Cursors = make(map[Role]ReplayCursor)
	}
	if s.BindingMeta == nil {
		s.BindingMeta = make(map[string]BindingMeta)
	}
	if s.Bindings == nil {
		s.Bindings = make(map[string]string)
	}
	for _, role := range Roles {
		if _, ok := s.Cursors[role]; !ok {
			// Pre-v2 builds kept the send position in memory only; the
			// safest durable value is "everything emitted so far", which
			// makes recovery re-send nothing it cannot verify.
			s.Cursors[role] = ReplayCursor{}
		}
		if s.IngestByStream[role] == nil {
			if s.IngestByStream == nil {
				s.IngestByStream = make(map[Role]*IngestStats)
			}
			s.IngestByStream[role] = &IngestStats{}
		}
		if s.ASRByStream[role] == nil {
			if s.ASRByStream == nil {
				s.ASRByStream = make(map[Role]*ASRStats)
			}
			s.ASRByStream[role] = &ASRStats{WSState: "disconnected"}
		}
		if s.CaptureByStream[role] == nil {
			if s.CaptureByStream == nil {
				s.CaptureByStream = make(map[Role]*CaptureStats)
			}
			s.CaptureByStream[role] = &CaptureStats{CaptureState: "idle"}
		}
	}
	if s.UtterancesByStream == nil {
		s.UtterancesByStream = make(map[Role][]Utterance)
	}
	if s.NextEventSeq < 1 {
		s.NextEventSeq = 1
	}
}
