package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/internal/errs"
)

const maxDepth = 64

// Normalize decodes a response body and flattens it. Only undecodable bodies
// are errors; unknown or malformed parts are skipped and listed in Errors.
func Normalize(body []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", errs.ErrNormalization, err)
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body is not an object", errs.ErrNormalization)
	}

	p := NormalizeValue(root)
	for _, e := range p.Errors {
		logrus.WithError(e).Debug("Skipped payload fragment")
	}
	return p, nil
}

// NormalizeValue flattens an already decoded response.
func NormalizeValue(root map[string]any) *Payload {
	p := NewPayload()

	if legacy := legacyObjects(root); legacy != nil {
		p.addLegacy(legacy)
	}

	if gqlErrors, ok := root["errors"].([]any); ok && root["data"] == nil {
		for i := range gqlErrors {
			p.skip(fmt.Sprintf("errors[%d]", i), "backend returned an error without data")
		}
	}

	p.walk(root, "", 0)
	return p
}

// legacyObjects finds the flat {tweets, users} maps of the older APIs.
func legacyObjects(root map[string]any) map[string]any {
	for _, key := range []string{"globalObjects", "twitter_objects"} {
		if m, ok := root[key].(map[string]any); ok {
			return m
		}
	}
	if _, ok := root["tweets"].(map[string]any); ok {
		return root
	}
	return nil
}

func (p *Payload) addLegacy(objects map[string]any) {
	if users, ok := objects["users"].(map[string]any); ok {
		for _, id := range sortedKeys(users) {
			user, ok := users[id].(map[string]any)
			if !ok {
				p.skip("users."+id, "user is not an object")
				continue
			}
			p.putUser(id, user)
		}
	}

	tweets, _ := objects["tweets"].(map[string]any)
	ids := make([]string, 0, len(tweets))
	for id := range tweets {
		ids = append(ids, id)
	}
	for _, id := range sortedLegacyOrder(ids) {
		tweet, ok := tweets[id].(map[string]any)
		if !ok {
			p.skip("tweets."+id, "tweet is not an object")
			continue
		}
		if user, ok := tweet["user"].(map[string]any); ok {
			if uid, ok := user["id_str"].(string); ok && uid != "" {
				p.putUser(uid, user)
			}
		}
		p.putTweet(id, tweet)
	}
}

// walk looks for instruction lists anywhere in the document.
func (p *Payload) walk(v any, path string, depth int) {
	if depth > maxDepth {
		return
	}
	switch node := v.(type) {
	case map[string]any:
		if instructions, ok := node["instructions"].([]any); ok {
			p.addInstructions(instructions, path+".instructions")
			return
		}
		for _, k := range sortedKeys(node) {
			if k == "globalObjects" || k == "twitter_objects" {
				continue
			}
			p.walk(node[k], path+"."+k, depth+1)
		}
	case []any:
		for i, item := range node {
			p.walk(item, fmt.Sprintf("%s[%d]", path, i), depth+1)
		}
	}
}

func (p *Payload) addInstructions(instructions []any, path string) {
	for i, raw := range instructions {
		ipath := fmt.Sprintf("%s[%d]", path, i)
		instr, ok := raw.(map[string]any)
		if !ok {
			p.skip(ipath, "instruction is not an object")
			continue
		}

		switch str(instr["type"]) {
		case "TimelineAddEntries":
			p.addEntries(instr["entries"], ipath)
		case "TimelinePinEntry":
			p.addEntry(instr["entry"], ipath+".entry")
		case "TimelineTerminateTimeline":
			p.terminate(instr["direction"])
		case "":
			p.addLegacyInstruction(instr, ipath)
		}
	}
}

// addLegacyInstruction handles the keyed instruction form of the adaptive
// search API, e.g. {"addEntries": {"entries": [...]}}.
func (p *Payload) addLegacyInstruction(instr map[string]any, path string) {
	if add, ok := instr["addEntries"].(map[string]any); ok {
		p.addEntries(add["entries"], path+".addEntries")
	}
	if pin, ok := instr["pinEntry"].(map[string]any); ok {
		p.addEntry(pin["entry"], path+".pinEntry.entry")
	}
	if replace, ok := instr["replaceEntry"].(map[string]any); ok {
		p.addEntry(replace["entry"], path+".replaceEntry.entry")
	}
	if term, ok := instr["terminateTimeline"].(map[string]any); ok {
		p.terminate(term["direction"])
	}
}

// terminate marks the end of the timeline. Only a top-only marker leaves
// the bottom open for further pages.
func (p *Payload) terminate(direction any) {
	if str(direction) == "Top" {
		return
	}
	p.Terminated = true
}

func (p *Payload) addEntries(raw any, path string) {
	entries, ok := raw.([]any)
	if !ok {
		p.skip(path, "entries is not a list")
		return
	}
	for i, e := range entries {
		p.addEntry(e, fmt.Sprintf("%s.entries[%d]", path, i))
	}
}

func (p *Payload) addEntry(raw any, path string) {
	entry, ok := raw.(map[string]any)
	if !ok {
		p.skip(path, "entry is not an object")
		return
	}
	content, ok := entry["content"].(map[string]any)
	if !ok {
		p.skip(path, "entry without content")
		return
	}

	kind := str(content["entryType"])
	if kind == "" {
		kind = str(content["__typename"])
	}

	switch kind {
	case "TimelineTimelineItem":
		p.addItemContent(content["itemContent"], path+".content.itemContent")
	case "TimelineTimelineModule":
		items, _ := content["items"].([]any)
		for i, it := range items {
			ipath := fmt.Sprintf("%s.content.items[%d]", path, i)
			item, ok := it.(map[string]any)
			if !ok {
				p.skip(ipath, "module item is not an object")
				continue
			}
			inner, _ := item["item"].(map[string]any)
			p.addItemContent(inner["itemContent"], ipath+".item.itemContent")
		}
	case "TimelineTimelineCursor":
		if str(content["cursorType"]) == "Bottom" {
			p.Cursor = str(content["value"])
		}
	default:
		// adaptive search entries only reference globalObjects, except cursors
		if op, ok := content["operation"].(map[string]any); ok {
			if cursor, ok := op["cursor"].(map[string]any); ok && str(cursor["cursorType"]) == "Bottom" {
				p.Cursor = str(cursor["value"])
			}
		}
	}
}

func (p *Payload) addItemContent(raw any, path string) {
	content, ok := raw.(map[string]any)
	if !ok {
		p.skip(path, "item without itemContent")
		return
	}

	if tweetResults, ok := content["tweet_results"].(map[string]any); ok {
		p.addTweetResult(tweetResults["result"], path+".tweet_results.result", 0)
		return
	}
	if userResults, ok := content["user_results"].(map[string]any); ok {
		p.addUserResult(userResults["result"])
	}
}

func (p *Payload) addTweetResult(raw any, path string, depth int) {
	if depth > 4 {
		return
	}
	result, ok := raw.(map[string]any)
	if !ok {
		p.skip(path, "tweet result is not an object")
		return
	}

	switch str(result["__typename"]) {
	case "TweetWithVisibilityResults":
		p.addTweetResult(result["tweet"], path+".tweet", depth+1)
		return
	case "TweetTombstone", "TweetUnavailable":
		return
	}

	legacy, ok := result["legacy"].(map[string]any)
	if !ok {
		p.skip(path, "tweet without legacy fields")
		return
	}

	tweet := make(map[string]any, len(legacy)+2)
	for k, v := range legacy {
		tweet[k] = v
	}

	id := str(tweet["id_str"])
	if id == "" {
		id = str(result["rest_id"])
	}
	if id == "" {
		p.skip(path, "tweet without id")
		return
	}
	tweet["id_str"] = id

	if note := noteText(result); note != "" {
		tweet["full_text"] = note
	}
	if views, ok := result["views"].(map[string]any); ok {
		if count := str(views["count"]); count != "" {
			tweet["view_count"] = count
		}
	}

	var userResult map[string]any
	if core, ok := result["core"].(map[string]any); ok {
		if ur, ok := core["user_results"].(map[string]any); ok {
			userResult, _ = ur["result"].(map[string]any)
		}
	}

	authorID := str(tweet["user_id_str"])
	if userResult != nil {
		if uid := p.addUserResult(userResult); authorID == "" {
			authorID = uid
		}
	}
	if authorID != "" {
		tweet["user_id_str"] = authorID
	}

	p.putTweet(id, tweet)

	if quoted, ok := result["quoted_status_result"].(map[string]any); ok {
		p.addTweetResult(quoted["result"], path+".quoted_status_result.result", depth+1)
	}
	if retweeted, ok := legacy["retweeted_status_result"].(map[string]any); ok {
		p.addTweetResult(retweeted["result"], path+".legacy.retweeted_status_result.result", depth+1)
	}
}

// addUserResult stores the profile of a user result and returns its id.
func (p *Payload) addUserResult(raw any) string {
	result, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	id := str(result["rest_id"])
	legacy, hasLegacy := result["legacy"].(map[string]any)
	if id == "" && hasLegacy {
		id = str(legacy["id_str"])
	}
	if id == "" {
		return ""
	}
	if !hasLegacy {
		return id
	}

	user := make(map[string]any, len(legacy)+4)
	for k, v := range legacy {
		user[k] = v
	}
	user["id_str"] = id

	// newer responses moved a few profile fields out of legacy
	if core, ok := result["core"].(map[string]any); ok {
		for _, k := range []string{"screen_name", "name", "created_at"} {
			if _, present := user[k]; !present && core[k] != nil {
				user[k] = core[k]
			}
		}
	}
	if blue, ok := result["is_blue_verified"].(bool); ok {
		user["is_blue_verified"] = blue
	}

	p.putUser(id, user)
	return id
}

func noteText(result map[string]any) string {
	note, ok := result["note_tweet"].(map[string]any)
	if !ok {
		return ""
	}
	results, ok := note["note_tweet_results"].(map[string]any)
	if !ok {
		return ""
	}
	inner, ok := results["result"].(map[string]any)
	if !ok {
		return ""
	}
	return str(inner["text"])
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
