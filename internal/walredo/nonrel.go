package walredo

import (
	"encoding/binary"

	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/walrecord"
)

const slruPagesPerSegment = 32

// CLOG layout
const (
	clogBitsPerXact  = 2
	clogXactsPerByte = 4
	clogXactsPerPage = PageSize * clogXactsPerByte
	clogXactBitmask  = 1<<clogBitsPerXact - 1

	transactionStatusCommitted = 0x01
	transactionStatusAborted   = 0x02

	clogZeroPage = 0x00
)

// xact record info bits
const (
	xlogXactOpmask         = 0x70
	xlogXactCommit         = 0x00
	xlogXactAbort          = 0x20
	xlogXactCommitPrepared = 0x30
	xlogXactAbortPrepared  = 0x40
	xlogXactHasInfo        = 0x80

	xactXinfoHasDbinfo   = 1 << 0
	xactXinfoHasSubxacts = 1 << 1
	xactXinfoHasRelfiles = 1 << 2
	xactXinfoHasInvals   = 1 << 3
	xactXinfoHasTwophase = 1 << 4
)

// MultiXact layout
const (
	multixactZeroOffPage = 0x00
	multixactZeroMemPage = 0x10
	multixactCreateID    = 0x40

	multixactOffsetsPerPage      = PageSize / 4
	mxactMemberBitsPerXact       = 8
	multixactFlagBytesPerGroup   = 4
	multixactMembersPerGroup     = 4
	multixactMemberGroupSize     = 4*multixactMembersPerGroup + multixactFlagBytesPerGroup
	multixactMemberGroupsPerPage = PageSize / multixactMemberGroupSize
	multixactMembersPerPage      = multixactMemberGroupsPerPage * multixactMembersPerGroup
)

// applyNonRel reconstructs a page of an object that is not a relation. It
// has the same effect as the Postgres redo routines for the records it
// understands and leaves the page untouched for anything else.
func applyNonRel(req *request) []byte {
	page := make([]byte, PageSize)
	if req.baseImg != nil {
		copy(page, req.baseImg)
	}

	if req.tag.Kind != relish.KindSlru {
		return page
	}

	slru := slruPage{
		kind:   req.tag.Slru,
		pageno: req.tag.SegNo*slruPagesPerSegment + req.blkno,
		page:   page,
	}

	for _, r := range req.records {
		rec, err := walrecord.Decode(r.Rec)
		if err != nil {
			continue
		}

		info := rec.Info & walrecord.XlrRmgrInfoMask
		switch rec.Rmid {
		case walrecord.RmXactID:
			slru.applyXact(rec)
		case walrecord.RmClogID:
			if slru.kind == relish.Clog && info == clogZeroPage {
				slru.zeroIfPage(rec.MainData)
			}
		case walrecord.RmMultiXactID:
			switch {
			case info == multixactZeroOffPage && slru.kind == relish.MultiXactOffsets,
				info == multixactZeroMemPage && slru.kind == relish.MultiXactMembers:
				slru.zeroIfPage(rec.MainData)
			case info == multixactCreateID:
				slru.applyMultiXactCreate(rec.MainData)
			}
		}
	}

	return page
}

// slruPage is one page of an SLRU, addressed by its absolute page number.
type slruPage struct {
	kind   relish.SlruKind
	pageno uint32
	page   []byte
}

func (s *slruPage) zeroIfPage(main []byte) {
	if len(main) < 4 || binary.LittleEndian.Uint32(main) != s.pageno {
		return
	}
	for i := range s.page {
		s.page[i] = 0
	}
}

func (s *slruPage) applyXact(rec *walrecord.Decoded) {
	if s.kind != relish.Clog {
		return
	}

	var status byte
	var withInvals bool
	switch rec.Info & xlogXactOpmask {
	case xlogXactCommit, xlogXactCommitPrepared:
		status, withInvals = transactionStatusCommitted, true
	case xlogXactAbort, xlogXactAbortPrepared:
		status = transactionStatusAborted
	default:
		return
	}

	parsed, ok := parseXactRecord(rec.MainData, rec.Info, withInvals)
	if !ok {
		return
	}

	xid := rec.Xid
	if op := rec.Info & xlogXactOpmask; op == xlogXactCommitPrepared || op == xlogXactAbortPrepared {
		xid = parsed.twophaseXid
	}

	s.setXidStatus(xid, status)
	for _, sub := range parsed.subxacts {
		s.setXidStatus(sub, status)
	}
}

func (s *slruPage) setXidStatus(xid uint32, status byte) {
	if xid/clogXactsPerPage != s.pageno {
		return
	}
	byteno := (xid % clogXactsPerPage) / clogXactsPerByte
	bshift := (xid % clogXactsPerByte) * clogBitsPerXact

	s.page[byteno] = s.page[byteno]&^(clogXactBitmask<<bshift) | status<<bshift
}

func (s *slruPage) applyMultiXactCreate(main []byte) {
	if len(main) < 12 {
		return
	}
	mid := binary.LittleEndian.Uint32(main[0:])
	moff := binary.LittleEndian.Uint32(main[4:])
	nmembers := int(int32(binary.LittleEndian.Uint32(main[8:])))
	if nmembers < 0 || len(main) < 12+8*nmembers {
		return
	}

	switch s.kind {
	case relish.MultiXactOffsets:
		if mid/multixactOffsetsPerPage != s.pageno {
			return
		}
		entryno := mid % multixactOffsetsPerPage
		binary.LittleEndian.PutUint32(s.page[entryno*4:], moff)

	case relish.MultiXactMembers:
		for i := 0; i < nmembers; i++ {
			member := main[12+8*i:]
			xid := binary.LittleEndian.Uint32(member[0:])
			status := binary.LittleEndian.Uint32(member[4:])

			offset := moff + uint32(i)
			if offset/multixactMembersPerPage != s.pageno {
				continue
			}

			flagsOff := (offset / multixactMembersPerGroup) % multixactMemberGroupsPerPage * multixactMemberGroupSize
			bshift := (offset % multixactMembersPerGroup) * mxactMemberBitsPerXact
			memberOff := flagsOff + multixactFlagBytesPerGroup + (offset%multixactMembersPerGroup)*4

			flags := binary.LittleEndian.Uint32(s.page[flagsOff:])
			flags &^= (1<<mxactMemberBitsPerXact - 1) << bshift
			flags |= status << bshift
			binary.LittleEndian.PutUint32(s.page[flagsOff:], flags)
			binary.LittleEndian.PutUint32(s.page[memberOff:], xid)
		}
	}
}

type xactRecord struct {
	subxacts    []uint32
	twophaseXid uint32
}

// parseXactRecord reads the parts of a commit or abort record that affect
// transaction status: subtransactions and the prepared transaction id.
func parseXactRecord(main []byte, info uint8, withInvals bool) (xactRecord, bool) {
	var x xactRecord
	r := le(main)

	if !r.skip(8) { // xact_time
		return x, false
	}
	if info&xlogXactHasInfo == 0 {
		return x, true
	}

	xinfo, ok := r.u32()
	if !ok {
		return x, false
	}
	if xinfo&xactXinfoHasDbinfo != 0 && !r.skip(8) {
		return x, false
	}
	if xinfo&xactXinfoHasSubxacts != 0 {
		n, ok := r.count()
		if !ok {
			return x, false
		}
		for i := 0; i < n; i++ {
			sub, ok := r.u32()
			if !ok {
				return x, false
			}
			x.subxacts = append(x.subxacts, sub)
		}
	}
	if xinfo&xactXinfoHasRelfiles != 0 {
		n, ok := r.count()
		if !ok || !r.skip(12*n) {
			return x, false
		}
	}
	if withInvals && xinfo&xactXinfoHasInvals != 0 {
		n, ok := r.count()
		if !ok || !r.skip(16*n) {
			return x, false
		}
	}
	if xinfo&xactXinfoHasTwophase != 0 {
		if x.twophaseXid, ok = r.u32(); !ok {
			return x, false
		}
	}
	return x, true
}

// le reads little endian fields from main data
type le []byte

func (b *le) skip(n int) bool {
	if n < 0 || len(*b) < n {
		return false
	}
	*b = (*b)[n:]
	return true
}

func (b *le) u32() (uint32, bool) {
	if len(*b) < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v, true
}

func (b *le) count() (int, bool) {
	v, ok := b.u32()
	if !ok || int32(v) < 0 {
		return 0, false
	}
	return int(v), true
}
