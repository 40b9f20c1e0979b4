package rules

import (
	"time"

	"tangled.org/arabica.social/murmur/internal/content"
	"tangled.org/arabica.social/murmur/internal/models"
)

// Subject is the comment under evaluation
type Subject struct {
	CommentID string
	PostID    string
	AuthorID  string
	Content   string
	IP        string
	UserAgent string
}

// AuthorContext is what the engine knows about the comment's author
type AuthorContext struct {
	TrustScore float64

	// AccountAge is the time since murmur first saw the author, taken from
	// the trust record's FirstSeen. Identity lives upstream, so this is not
	// the age of the user's account with the host application.
	AccountAge time.Duration

	Counts models.OutcomeCounts
}

// input caches derived signals so each is computed once per evaluation
type input struct {
	subject Subject
	author  AuthorContext
	words   *content.WordList

	derived map[models.Attribute]value
}

func newInput(s Subject, a AuthorContext, words *content.WordList) *input {
	return &input{subject: s, author: a, words: words, derived: make(map[models.Attribute]value)}
}

type attributeSpec struct {
	numeric bool
	read    func(in *input) value
}

var attributeTable = map[models.Attribute]attributeSpec{
	models.AttrContent: {read: func(in *input) value {
		return value{str: in.subject.Content}
	}},
	models.AttrIP: {read: func(in *input) value {
		return value{str: in.subject.IP}
	}},
	models.AttrUserAgent: {read: func(in *input) value {
		return value{str: in.subject.UserAgent}
	}},
	models.AttrTrustScore: {numeric: true, read: func(in *input) value {
		return number(in.author.TrustScore)
	}},
	// hours since the author was first seen
	models.AttrAccountAge: {numeric: true, read: func(in *input) value {
		return number(in.author.AccountAge.Hours())
	}},
	models.AttrContentLength: {numeric: true, read: func(in *input) value {
		return number(float64(content.Length(in.subject.Content)))
	}},
	models.AttrLinkCount: {numeric: true, read: func(in *input) value {
		return number(float64(content.LinkCount(in.subject.Content)))
	}},
	models.AttrSensitiveWordCount: {numeric: true, read: func(in *input) value {
		return number(float64(in.words.Count(in.subject.Content)))
	}},
	models.AttrMentionCount: {numeric: true, read: func(in *input) value {
		return number(float64(len(content.Mentions(in.subject.Content))))
	}},
}

func number(n float64) value {
	return value{num: n, numeric: true}
}

func (in *input) get(attr models.Attribute) value {
	if v, ok := in.derived[attr]; ok {
		return v
	}
	v := attributeTable[attr].read(in)
	in.derived[attr] = v
	return v
}
