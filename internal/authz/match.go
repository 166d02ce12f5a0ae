package authz

// matchesTarget reports whether a policy applies to the request at all.
// All three predicates must pass.
func matchesTarget(t Target, req Request, subject *SubjectAttributes) bool {
	return matchesSubject(t.Subjects, req.Subject, subject) &&
		matchesValue(t.Resources, req.Resource) &&
		matchesValue(t.Actions, req.Action)
}

// matchesValue is plain set membership with "*" or empty meaning "any".
func matchesValue(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == "*" || item == value {
			return true
		}
	}
	return false
}

// matchesSubject additionally lets target entries name the subject's
// username or any of their roles, so a policy can say "subjects": ["admin"]
// and catch every admin-role caller.
func matchesSubject(list []string, subjectID string, subject *SubjectAttributes) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == "*" || item == subjectID {
			return true
		}
		if subject == nil {
			continue
		}
		if item == subject.Username && subject.Username != "" {
			return true
		}
		for _, role := range subject.Roles {
			if item == role {
				return true
			}
		}
	}
	return false
}

// prefilterBySubject keeps only policies whose subject predicate can match
// this caller. Bulk evaluation over many resource/action pairs shares one
// subject, so dropping foreign-subject policies once beats re-checking them
// per entry.
func prefilterBySubject(policies []Policy, subjectID string, subject *SubjectAttributes) []Policy {
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if matchesSubject(p.Target.Subjects, subjectID, subject) {
			out = append(out, p)
		}
	}
	return out
}
